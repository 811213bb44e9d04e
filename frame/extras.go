package frame

import (
	"fmt"

	"github.com/pior/couchkv/codec"
)

// NoCreateExpiry in counter extras tells the server not to create a missing
// counter.
const NoCreateExpiry uint32 = 0xffffffff

// SetExtras builds the extras of SET, ADD and REPLACE.
func SetExtras(flags, expiry uint32) []byte {
	b := make([]byte, 8)
	putUint32(b[0:], flags)
	putUint32(b[4:], expiry)
	return b
}

// CounterExtras builds the extras of INCREMENT and DECREMENT.
func CounterExtras(delta, initial uint64, expiry uint32) []byte {
	b := make([]byte, 20)
	putUint64(b[0:], delta)
	putUint64(b[8:], initial)
	putUint32(b[16:], expiry)
	return b
}

// TouchExtras builds the extras of TOUCH and GAT.
func TouchExtras(expiry uint32) []byte {
	b := make([]byte, 4)
	putUint32(b, expiry)
	return b
}

// ParseGetExtras returns the item flags from a GET or GAT response.
func ParseGetExtras(extras []byte) (uint32, error) {
	if len(extras) == 0 {
		return 0, nil
	}
	flags, err := codec.ReadUint32(extras, codec.BigEndian)
	if err != nil {
		return 0, fmt.Errorf("frame: get extras: %w", err)
	}
	return flags, nil
}

// ParseCounterValue returns the new counter value from an INCREMENT or
// DECREMENT response.
func ParseCounterValue(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("frame: counter value has %d bytes, want 8", len(value))
	}
	return getUint64(value), nil
}

// HelloValue encodes a list of HELLO feature codes.
func HelloValue(features ...uint16) []byte {
	b := make([]byte, 2*len(features))
	for i, f := range features {
		putUint16(b[2*i:], f)
	}
	return b
}

// ParseHelloFeatures decodes the features a server acknowledged.
func ParseHelloFeatures(value []byte) ([]uint16, error) {
	if len(value)%2 != 0 {
		return nil, fmt.Errorf("frame: hello value has odd length %d", len(value))
	}
	features := make([]uint16, 0, len(value)/2)
	for i := 0; i < len(value); i += 2 {
		features = append(features, getUint16(value[i:]))
	}
	return features, nil
}
