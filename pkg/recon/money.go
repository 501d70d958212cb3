package recon

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose processor amounts are not expressed in hundredths.
var (
	zeroDecimalCurrencies = map[string]struct{}{
		"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
		"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
	}
	threeDecimalCurrencies = map[string]struct{}{
		"bhd": {}, "jod": {}, "kwd": {}, "omr": {}, "tnd": {},
	}
)

// CurrencyExponent returns the number of minor-unit digits for an ISO currency code.
func CurrencyExponent(currency string) int32 {
	c := strings.ToLower(currency)
	if _, ok := zeroDecimalCurrencies[c]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[c]; ok {
		return 3
	}
	return 2
}

// AmountFromMinor converts a minor-unit amount to a decimal in major units.
func AmountFromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}
