package utils

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// addressHexPattern matches a bare, unprefixed 40 hex character Ethereum address.
var addressHexPattern = regexp.MustCompile(`[0-9a-fA-F]{40}`)

// NormalizeAddress validates that addressHexString is a well-formed Ethereum address (with or without a "0x"
// prefix) and returns it in canonical "0x" + lowercase-hex form.
func NormalizeAddress(addressHexString string) (string, error) {
	trimmed := strings.TrimPrefix(addressHexString, "0x")
	if len(trimmed) != 40 {
		return "", errors.Errorf("invalid address %q: expected 40 hex characters, got %d", addressHexString, len(trimmed))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", errors.Wrapf(err, "invalid address %q", addressHexString)
	}
	return "0x" + strings.ToLower(trimmed), nil
}

// ExtractAddressesFromText scans arbitrary text (such as `geth account list` output) for 40 hex character
// substrings and returns them as canonical "0x"-prefixed addresses, in the order they appear.
func ExtractAddressesFromText(text string) []string {
	matches := addressHexPattern.FindAllString(text, -1)
	addresses := make([]string, 0, len(matches))
	for _, m := range matches {
		addresses = append(addresses, "0x"+strings.ToLower(m))
	}
	return addresses
}
