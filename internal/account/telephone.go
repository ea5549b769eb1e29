package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidTelephone = errors.New("invalid telephone number")

// DefaultRegion is assumed for numbers written without a country code.
const DefaultRegion = "KE"

// NormalizeTelephone parses s as a Kenyan number and returns it in E.164
// form, so that a payer matches however the provider wrote the number.
func NormalizeTelephone(s string) (string, error) {
	s = strings.TrimSpace(s)
	// International access written as 00 rather than +.
	if rest, ok := strings.CutPrefix(s, "00"); ok {
		s = "+" + rest
	}

	num, err := phonenumbers.Parse(s, DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTelephone, err)
	}
	if !phonenumbers.IsValidNumberForRegion(num, DefaultRegion) {
		return "", ErrInvalidTelephone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
