package utils_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/barcore/pkg/utils"
	"github.com/shopspring/decimal"
)

func TestFormatSymbolTrimsAndUppercases(t *testing.T) {
	if got := utils.FormatSymbol("  aapl  "); got != "AAPL" {
		t.Fatalf("got %q, want AAPL", got)
	}
}

func TestRoundToTickSizeFloorsToNearestTick(t *testing.T) {
	got := utils.RoundToTickSize(decimal.NewFromFloat(100.37), decimal.NewFromFloat(0.25))
	if !got.Equal(decimal.NewFromFloat(100.25)) {
		t.Fatalf("got %s, want 100.25", got)
	}
}

func TestRoundToTickSizeZeroTickIsNoop(t *testing.T) {
	price := decimal.NewFromFloat(100.37)
	if got := utils.RoundToTickSize(price, decimal.Zero); !got.Equal(price) {
		t.Fatalf("got %s, want unchanged %s", got, price)
	}
}

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		currency string
		want     string
	}{
		{"USD", "$100.50"},
		{"GBP", "£100.50"},
		{"EUR", "€100.50"},
		{"JPY", "100.50 JPY"},
	}
	for _, c := range cases {
		if got := utils.FormatMoney(decimal.NewFromFloat(100.5), c.currency); got != c.want {
			t.Errorf("FormatMoney(%s) = %q, want %q", c.currency, got, c.want)
		}
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	got, err := utils.Retry(cfg, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	_, err := utils.Retry(cfg, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting all attempts")
	}
}
