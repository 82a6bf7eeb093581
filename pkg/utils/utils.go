// Package utils provides small, genuinely shared helpers used across the
// module: tick-size rounding, symbol/money formatting, and retry with
// backoff.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatSymbol normalizes a ticker symbol: trimmed and uppercased.
func FormatSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RoundToTickSize rounds a price down to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// FormatMoney formats a decimal as money in the given currency.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "$" + d.StringFixed(2)
	case "GBP":
		return "£" + d.StringFixed(2)
	case "EUR":
		return "€" + d.StringFixed(2)
	default:
		return d.StringFixed(2) + " " + currency
	}
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Retry retries a function with exponential backoff.
func Retry[T any](config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}
