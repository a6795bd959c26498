// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

const maxDocumentIDBytes = 1500

// ErrInvalidAmount возвращается, если сумма не является конечным числом.
var ErrInvalidAmount = errors.New("amount is not a finite number")

// ParseAmount разбирает сумму платежа из текстового параметра запроса.
func ParseAmount(text string) (float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrInvalidAmount
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !IsFiniteAmount(v) {
		return 0, ErrInvalidAmount
	}

	return v, nil
}

// IsFiniteAmount проверяет, что сумма не NaN и не бесконечность.
func IsFiniteAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsValidDocumentID проверяет, что строку можно использовать как ключ документа хранилища.
func IsValidDocumentID(id string) bool {
	if id == "" || len(id) > maxDocumentIDBytes {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	return !strings.Contains(id, "/")
}
