package types

import (
	"fmt"

	"github.com/masayil/snapstore/helper/hex"
)

const (
	HashLength = 32
)

// Hash is a 32 byte identifier, used for epoch ids, merkle roots and
// generic keccak digests.
type Hash [HashLength]byte

var (
	// ZeroHash is the all-zero hash. It doubles as the null epoch id,
	// the sentinel for "no prior snapshot".
	ZeroHash = Hash{}
)

func min(i, j int) int {
	if i < j {
		return i
	}

	return j
}

func BytesToHash(b []byte) Hash {
	var h Hash

	size := len(b)
	h.SetBytes(b[size-min(size, HashLength):])

	return h
}

// SetBytes sets the hash to the value of b.
// If b is larger than HashLength, b will be cropped from the left.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}

	copy(h[HashLength-len(b):], b)
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return hex.EncodeToHex(h[:])
}

// Hex returns the hex encoding of the hash without the 0x prefix,
// used for filesystem names.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func StringToHash(str string) Hash {
	return BytesToHash(StringToBytes(str))
}

// UnmarshalText parses a hash in hex syntax.
func (h *Hash) UnmarshalText(input []byte) error {
	buf := StringToBytes(string(input))
	if len(buf) != HashLength {
		return fmt.Errorf("incorrect hash length %d", len(buf))
	}

	*h = BytesToHash(buf)

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
