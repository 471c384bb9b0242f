package extractor

import (
	"strconv"
	"strings"
)

// validateValue applies field-specific sanity checks. A value that fails its
// validator gets its confidence zeroed before threshold comparison, so a
// confidently-extracted garbage value still falls through the chain.
func validateValue(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}

	switch field {
	case "year":
		year, err := strconv.Atoi(strings.TrimSpace(value))
		return err == nil && year >= 1900 && year <= 2100
	case "mileage":
		n, err := strconv.Atoi(cleanNumeric(value))
		return err == nil && n >= 0
	case "current_bid":
		f, err := strconv.ParseFloat(cleanNumeric(value), 64)
		return err == nil && f >= 0
	case "vin":
		return validVIN(value)
	default:
		return true
	}
}

// cleanNumeric strips currency symbols, commas and whitespace so "US $12,500"
// parses as 12500.
func cleanNumeric(value string) string {
	var b strings.Builder
	for _, c := range value {
		if (c >= '0' && c <= '9') || c == '.' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// validVIN checks the 17-character format. I, O and Q are excluded from VINs
// to avoid confusion with 1 and 0.
func validVIN(vin string) bool {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if len(vin) != 17 {
		return false
	}
	for _, c := range vin {
		isDigit := c >= '0' && c <= '9'
		isAlpha := c >= 'A' && c <= 'Z'
		if !isDigit && !isAlpha {
			return false
		}
		if c == 'I' || c == 'O' || c == 'Q' {
			return false
		}
	}
	return true
}
