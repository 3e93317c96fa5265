// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package utils

import (
	"crypto/rand"
	"fmt"

	"github.com/akamensky/base58"
)

// DefaultPasscodeLength is the length of generated session passcodes.
const DefaultPasscodeLength = 8

// GeneratePasscode returns a random base58 passcode of the given length,
// suitable for sharing verbally with patients (no ambiguous 0/O/I/l glyphs).
// A length <= 0 falls back to DefaultPasscodeLength.
func GeneratePasscode(length int) (string, error) {
	if length <= 0 {
		length = DefaultPasscodeLength
	}

	// Each base58 character carries just under 6 bits, so requesting one
	// random byte per character always yields enough encoded characters.
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating passcode entropy: %w", err)
	}

	encoded := base58.Encode(buf)
	if len(encoded) < length {
		// Leading zero bytes shorten the encoding; pad from the alphabet start.
		for len(encoded) < length {
			encoded = "1" + encoded
		}
	}
	return encoded[:length], nil
}
