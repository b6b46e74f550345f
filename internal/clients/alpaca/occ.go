// Package alpaca implements the broker client against the Alpaca trading
// and market data APIs.
package alpaca

import (
	"fmt"
	"time"

	"github.com/tzimas/metascan/internal/domain"
)

// OCCSymbol builds the OCC contract symbol for an option, e.g.
// NVDA260918C00230000 for the NVDA 230 call expiring 2026-09-18.
func OCCSymbol(symbol string, optionType domain.OptionType, strike float64, expiry string) (string, error) {
	exp, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return "", fmt.Errorf("invalid expiry %q: %w", expiry, err)
	}

	side := "C"
	if optionType == domain.OptionPut {
		side = "P"
	}

	// Strike is encoded as dollars*1000, zero-padded to 8 digits
	strikeMillis := int64(strike*1000 + 0.5)
	return fmt.Sprintf("%s%s%s%08d", symbol, exp.Format("060102"), side, strikeMillis), nil
}
