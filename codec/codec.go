// Package codec converts fixed-width integers, floats, times and UTF-8 strings
// to and from byte buffers.
//
// Every function takes the byte order explicitly, so the same helpers serve
// network-order wire fields and host-order in-memory fields. Nothing in this
// package holds state and nothing performs I/O.
//
// Reads and writes never touch a buffer that is too small: they fail with
// ErrBufferTooSmall before reading or writing a single byte.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// ByteOrder selects how multi-byte values are laid out.
type ByteOrder uint8

const (
	// BigEndian is network byte order, used for every wire field.
	BigEndian ByteOrder = iota
	// HostOrder is little-endian, the in-memory order of the platforms we run on.
	HostOrder
)

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big-endian"
	case HostOrder:
		return "host-order"
	default:
		return fmt.Sprintf("ByteOrder(%d)", uint8(o))
	}
}

func (o ByteOrder) binary() binary.ByteOrder {
	if o == HostOrder {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

var (
	ErrBufferTooSmall = errors.New("codec: buffer too small")
	ErrInvalidWidth   = errors.New("codec: invalid integer width")
)

// SizeError reports how many bytes an operation needed and how many it got.
type SizeError struct {
	Need int
	Have int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("codec: buffer too small: need %d bytes, have %d", e.Need, e.Have)
}

func (e *SizeError) Unwrap() error {
	return ErrBufferTooSmall
}

func checkSize(buf []byte, need int) error {
	if len(buf) < need {
		return &SizeError{Need: need, Have: len(buf)}
	}
	return nil
}

func checkWidth(width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
}

// ReadUint reads an unsigned integer of the given width (1, 2, 4 or 8 bytes).
func ReadUint(buf []byte, width int, order ByteOrder) (uint64, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}
	if err := checkSize(buf, width); err != nil {
		return 0, err
	}

	bo := order.binary()
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(bo.Uint16(buf)), nil
	case 4:
		return uint64(bo.Uint32(buf)), nil
	default:
		return bo.Uint64(buf), nil
	}
}

// WriteUint writes the low width bytes of v. It never writes a partial value:
// a short buffer or a value that does not fit the width leaves buf untouched.
func WriteUint(v uint64, buf []byte, width int, order ByteOrder) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	if err := checkSize(buf, width); err != nil {
		return err
	}
	if width < 8 && v>>(uint(width)*8) != 0 {
		return fmt.Errorf("codec: value %d does not fit in %d bytes", v, width)
	}

	bo := order.binary()
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		bo.PutUint16(buf, uint16(v))
	case 4:
		bo.PutUint32(buf, uint32(v))
	default:
		bo.PutUint64(buf, v)
	}
	return nil
}

// ReadInt reads a two's complement signed integer of the given width.
func ReadInt(buf []byte, width int, order ByteOrder) (int64, error) {
	u, err := ReadUint(buf, width, order)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return int64(int8(u)), nil
	case 2:
		return int64(int16(u)), nil
	case 4:
		return int64(int32(u)), nil
	default:
		return int64(u), nil
	}
}

// WriteInt writes v as a two's complement signed integer of the given width.
func WriteInt(v int64, buf []byte, width int, order ByteOrder) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	if width < 8 {
		bits := uint(width) * 8
		lo, hi := -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		if v < lo || v > hi {
			return fmt.Errorf("codec: value %d does not fit in %d bytes", v, width)
		}
		return WriteUint(uint64(v)&(1<<bits-1), buf, width, order)
	}
	return WriteUint(uint64(v), buf, width, order)
}

func ReadUint16(buf []byte, order ByteOrder) (uint16, error) {
	v, err := ReadUint(buf, 2, order)
	return uint16(v), err
}

func ReadUint32(buf []byte, order ByteOrder) (uint32, error) {
	v, err := ReadUint(buf, 4, order)
	return uint32(v), err
}

func ReadUint64(buf []byte, order ByteOrder) (uint64, error) {
	return ReadUint(buf, 8, order)
}

func ReadInt16(buf []byte, order ByteOrder) (int16, error) {
	v, err := ReadInt(buf, 2, order)
	return int16(v), err
}

func ReadInt32(buf []byte, order ByteOrder) (int32, error) {
	v, err := ReadInt(buf, 4, order)
	return int32(v), err
}

func ReadInt64(buf []byte, order ByteOrder) (int64, error) {
	return ReadInt(buf, 8, order)
}

func WriteUint16(v uint16, buf []byte, order ByteOrder) error {
	return WriteUint(uint64(v), buf, 2, order)
}

func WriteUint32(v uint32, buf []byte, order ByteOrder) error {
	return WriteUint(uint64(v), buf, 4, order)
}

func WriteUint64(v uint64, buf []byte, order ByteOrder) error {
	return WriteUint(v, buf, 8, order)
}

func WriteInt16(v int16, buf []byte, order ByteOrder) error {
	return WriteInt(int64(v), buf, 2, order)
}

func WriteInt32(v int32, buf []byte, order ByteOrder) error {
	return WriteInt(int64(v), buf, 4, order)
}

func WriteInt64(v int64, buf []byte, order ByteOrder) error {
	return WriteInt(v, buf, 8, order)
}

// ReadBool reads a single byte; any non-zero value is true.
func ReadBool(buf []byte) (bool, error) {
	if err := checkSize(buf, 1); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func WriteBool(v bool, buf []byte) error {
	if err := checkSize(buf, 1); err != nil {
		return err
	}
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	return nil
}

func ReadFloat32(buf []byte, order ByteOrder) (float32, error) {
	bits, err := ReadUint32(buf, order)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func ReadFloat64(buf []byte, order ByteOrder) (float64, error) {
	bits, err := ReadUint64(buf, order)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func WriteFloat32(v float32, buf []byte, order ByteOrder) error {
	return WriteUint32(math.Float32bits(v), buf, order)
}

func WriteFloat64(v float64, buf []byte, order ByteOrder) error {
	return WriteUint64(math.Float64bits(v), buf, order)
}

// TimeWidth is the encoded size of a time value.
const TimeWidth = 8

// ReadTime decodes nanoseconds since the Unix epoch. The result is in UTC.
func ReadTime(buf []byte, order ByteOrder) (time.Time, error) {
	ns, err := ReadInt64(buf, order)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// WriteTime encodes t as nanoseconds since the Unix epoch.
// Times outside the int64 nanosecond range (years 1678 to 2262) are rejected.
func WriteTime(t time.Time, buf []byte, order ByteOrder) error {
	ns := t.UnixNano()
	if !time.Unix(0, ns).Equal(t) {
		return fmt.Errorf("codec: time %s out of encodable range", t)
	}
	return WriteInt64(ns, buf, order)
}

// StringByteLength returns the exact number of bytes WriteString needs for s.
// Invalid UTF-8 sequences count as the 3-byte replacement character.
func StringByteLength(s string) int {
	if utf8.ValidString(s) {
		return len(s)
	}

	n := 0
	for _, r := range s {
		n += utf8.RuneLen(r)
	}
	return n
}

// WriteString writes the UTF-8 encoding of s and returns the number of bytes
// written. No length prefix is written.
func WriteString(s string, buf []byte) (int, error) {
	need := StringByteLength(s)
	if err := checkSize(buf, need); err != nil {
		return 0, err
	}
	if need == len(s) {
		return copy(buf, s), nil
	}

	n := 0
	for _, r := range s {
		n += utf8.EncodeRune(buf[n:], r)
	}
	return n, nil
}

// ReadString decodes the whole of buf as a UTF-8 string.
func ReadString(buf []byte) string {
	return string(buf)
}
