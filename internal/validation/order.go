// Package validation содержит функции валидации входных данных.
package validation

import (
	"time"

	"github.com/google/uuid"
)

const (
	datePartLen   = 8
	suffixPartLen = 8
)

// IsValidOrderNumber проверяет формат номера заказа: дата YYYYMMDD, дефис и восемь шестнадцатеричных символов в верхнем регистре.
func IsValidOrderNumber(number string) bool {
	if len(number) != datePartLen+1+suffixPartLen || number[datePartLen] != '-' {
		return false
	}

	if _, err := time.Parse("20060102", number[:datePartLen]); err != nil {
		return false
	}

	for _, ch := range number[datePartLen+1:] {
		if !(ch >= '0' && ch <= '9' || ch >= 'A' && ch <= 'F') {
			return false
		}
	}
	return true
}

// ParseOrderID разбирает идентификатор заказа.
func ParseOrderID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
