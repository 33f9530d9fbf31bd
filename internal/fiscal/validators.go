// Package fiscal provides pure validators for taxpayer identifiers and
// classification codes. All functions are total: they return booleans and
// never panic on malformed input.
package fiscal

import (
	"strings"
)

// cnpj check-digit weights, first and second pass.
var (
	taxIDWeightsFirst  = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	taxIDWeightsSecond = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// IsValidTaxID validates a taxpayer identifier (CNPJ). Non-digits are
// stripped; the result must be 14 digits, must not be a single repeated
// digit, and both trailing check digits must match the two-pass weighted
// mod-11 computation over the 12-digit stem.
func IsValidTaxID(id string) bool {
	digits := stripNonDigits(id)
	if len(digits) != 14 {
		return false
	}
	if allEqual(digits) {
		return false
	}

	first := checkDigit(digits[:12], taxIDWeightsFirst)
	if first != int(digits[12]-'0') {
		return false
	}
	second := checkDigit(digits[:13], taxIDWeightsSecond)
	return second == int(digits[13]-'0')
}

// IsValidOperationCode validates an operation classification code (CFOP):
// 4 digits, first digit identifying the operation nature (1-3 inbound,
// 5-7 outbound).
func IsValidOperationCode(code string) bool {
	if len(code) != 4 || !isDigits(code) {
		return false
	}
	switch code[0] {
	case '1', '2', '3', '5', '6', '7':
		return true
	}
	return false
}

// IsValidSituationCode validates a tax-situation code (CST): 2 or 3 digits.
func IsValidSituationCode(code string) bool {
	if len(code) != 2 && len(code) != 3 {
		return false
	}
	return isDigits(code)
}

// IsValidProductCode validates a product classification code (NCM): 8 digits.
func IsValidProductCode(code string) bool {
	return len(code) == 8 && isDigits(code)
}

// InboundOperation reports whether an operation code marks an inbound
// operation (first digit 1-3).
func InboundOperation(code string) bool {
	if code == "" {
		return false
	}
	return code[0] == '1' || code[0] == '2' || code[0] == '3'
}

func checkDigit(digits string, weights []int) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func allEqual(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
