package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AccountIDLength is the byte length of a ledger account identifier
const AccountIDLength = 32

// ParseAccountID decodes a hex ledger account identifier
func ParseAccountID(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid account identifier: %w", err)
	}
	if len(b) != AccountIDLength {
		return nil, fmt.Errorf("invalid account identifier length: %d", len(b))
	}
	return b, nil
}
