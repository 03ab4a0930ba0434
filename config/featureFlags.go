package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// TaxRate returns the deployment-wide sales tax rate applied to every sale.
//
// Set via env:
// - TAX_RATE=0.18
//
// Malformed or missing values fall back to the default rate.
func TaxRate() decimal.Decimal {
	def := decimal.NewFromFloat(0.18)
	raw := strings.TrimSpace(os.Getenv("TAX_RATE"))
	if raw == "" {
		return def
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() {
		return def
	}
	return rate
}

// PostingMaxRetries bounds how many times a sale posting transaction is
// re-attempted after a serialization conflict (deadlock or stale stock read).
//
// Set via env:
// - POSTING_MAX_RETRIES=3
func PostingMaxRetries() int {
	raw := strings.TrimSpace(os.Getenv("POSTING_MAX_RETRIES"))
	if raw == "" {
		return 3
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 3
	}
	return n
}

// SkipMigrations disables AutoMigrate on boot for environments where the
// schema is managed out of band.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
