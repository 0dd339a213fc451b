// Package reward содержит чистую арифметику расчёта вознаграждений.
package reward

import (
	"errors"
	"math"
)

// maxCashbackRateBps — максимальная ставка кешбэка, 100% в базисных пунктах.
const maxCashbackRateBps = 10000

var (
	// ErrOverflow возвращается, если промежуточное значение превышает math.MaxInt64.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrInvalidRate возвращается при ставке кешбэка вне диапазона [0, 10000].
	ErrInvalidRate = errors.New("invalid cashback rate")
	// ErrInvalidInput возвращается при отрицательных суммах или неположительном курсе.
	ErrInvalidInput = errors.New("invalid reward input")
)

// Result содержит рассчитанные значения покупки.
type Result struct {
	// TotalValue — полная стоимость транзакции в минимальных фиатных единицах.
	TotalValue int64
	// TokensAwarded — количество токенов вознаграждения в минимальных единицах токена.
	TokensAwarded int64
}

// Compute вычисляет полную стоимость транзакции и размер вознаграждения.
// Все входные суммы — неотрицательные целые в минимальных единицах;
// exchangeRate — количество минимальных единиц токена на одну фиатную единицу.
// Деление усекается к нулю. Любое переполнение int64 даёт ErrOverflow,
// значения не заворачиваются.
func Compute(fiatAmount, redeemTokenAmount, exchangeRate int64, cashbackRateBps int32) (Result, error) {
	if fiatAmount < 0 || redeemTokenAmount < 0 || exchangeRate <= 0 {
		return Result{}, ErrInvalidInput
	}
	if cashbackRateBps < 0 || cashbackRateBps > maxCashbackRateBps {
		return Result{}, ErrInvalidRate
	}

	tokenValue := redeemTokenAmount / exchangeRate

	totalValue, err := checkedAdd(fiatAmount, tokenValue)
	if err != nil {
		return Result{}, err
	}

	product, err := checkedMul(totalValue, int64(cashbackRateBps))
	if err != nil {
		return Result{}, err
	}

	return Result{
		TotalValue:    totalValue,
		TokensAwarded: product / maxCashbackRateBps,
	}, nil
}

func checkedAdd(a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

func checkedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}
