package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func GenerateSessionID() string {
	return uuid.New().String()
}

func GenerateClientSeed() (string, error) {
	bytes := make([]byte, 16) // 128 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate client seed: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CalculatePayout truncates stake*multiplier to whole minor units.
func CalculatePayout(stake int64, multiplier decimal.Decimal) int64 {
	if multiplier.Sign() <= 0 || stake <= 0 {
		return 0
	}
	return decimal.NewFromInt(stake).Mul(multiplier).Floor().IntPart()
}

// FormatAmount renders minor units as a two-decimal amount, e.g. 1050 -> "10.50 USD".
func FormatAmount(minor int64, currency string) string {
	return decimal.New(minor, -2).StringFixed(2) + " " + currency
}

// ValidateStake checks a stake against configured bounds.
func ValidateStake(stake, min, max int64) error {
	if stake <= 0 {
		return NewError(CodeInvalidAmount, "stake must be positive")
	}
	if stake < min {
		return NewError(CodeInvalidAmount, fmt.Sprintf("minimum stake is %d", min))
	}
	if max > 0 && stake > max {
		return NewError(CodeInvalidAmount, fmt.Sprintf("maximum stake is %d", max))
	}
	return nil
}
