package transport

import (
	"fmt"
	"strings"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
)

// minPhoneDigits is the minimum length of a normalized number.
const minPhoneDigits = 8

// recognizedCountryCodes are calling codes the normalizer accepts as already
// internationalized. Covers the markets the gateway operates in plus common
// roaming origins.
var recognizedCountryCodes = []string{
	"60", // Malaysia
	"65", // Singapore
	"62", // Indonesia
	"66", // Thailand
	"63", // Philippines
	"84", // Vietnam
	"91", // India
	"86", // China
	"61", // Australia
	"44", // United Kingdom
	"1",  // NANP
}

// NormalizePhone canonicalizes a raw phone string into digits-only E.164
// form (without the plus). Non-digits are stripped; numbers in local format
// (leading zero or no recognized country code) get the tenant's default
// country code prepended. Numbers shorter than 8 digits after normalization
// are rejected.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	if number == "" {
		return "", fmt.Errorf("%w: phone %q has no digits", apperrors.ErrValidation, raw)
	}

	// Local format: strip the trunk zero and prepend the tenant country code.
	if strings.HasPrefix(number, "0") {
		number = strings.TrimLeft(number, "0")
		number = defaultCountryCode + number
	} else if !hasRecognizedCountryCode(number) {
		number = defaultCountryCode + number
	}

	if len(number) < minPhoneDigits {
		return "", fmt.Errorf("%w: phone %q too short after normalization", apperrors.ErrValidation, raw)
	}
	return number, nil
}

func hasRecognizedCountryCode(number string) bool {
	for _, cc := range recognizedCountryCodes {
		if strings.HasPrefix(number, cc) {
			return true
		}
	}
	return false
}
