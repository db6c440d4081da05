package types

import (
	"encoding/hex"
	"strings"
)

// StringToBytes decodes a hex string, with or without the 0x prefix,
// left-padding odd-length input with a zero nibble.
func StringToBytes(str string) []byte {
	str = strings.TrimPrefix(str, "0x")
	if len(str)%2 == 1 {
		str = "0" + str
	}

	b, _ := hex.DecodeString(str)

	return b
}
