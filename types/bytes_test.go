package types

import (
	"bytes"
	"testing"
)

func TestStringToBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arr []byte
		exp []byte
	}{
		{StringToBytes("0x00ffff00ff0000"), []byte{0x00, 0xff, 0xff, 0x00, 0xff, 0x00, 0x00}},
		{StringToBytes("00ffff00ff0000"), []byte{0x00, 0xff, 0xff, 0x00, 0xff, 0x00, 0x00}},
		{StringToBytes("0xfff"), []byte{0x0f, 0xff}},
		{StringToBytes("0xff"), []byte{0xff}},
		{[]byte{}, []byte{}},
	}

	for i, test := range tests {
		if !bytes.Equal(test.arr, test.exp) {
			t.Errorf("test %d, got %x exp %x", i, test.arr, test.exp)
		}
	}
}
