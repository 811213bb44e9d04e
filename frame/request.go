package frame

import (
	"fmt"

	"github.com/pior/couchkv/codec"
)

// Request is an outgoing frame. Lengths are derived from the slices.
type Request struct {
	Opcode   Opcode
	Datatype uint8
	VBucket  uint16
	Opaque   uint32
	CAS      uint64
	Extras   []byte
	Key      []byte
	Value    []byte
}

// EncodedLen returns the exact number of bytes BuildRequest produces for req.
func EncodedLen(req *Request) (int, error) {
	body, err := bodyLen(req.Extras, req.Key, req.Value)
	if err != nil {
		return 0, err
	}
	return HeaderLen + int(body), nil
}

// BuildRequest encodes req into a new buffer.
func BuildRequest(req *Request) ([]byte, error) {
	n, err := EncodedLen(req)
	if err != nil {
		return nil, err
	}
	return AppendRequest(make([]byte, 0, n), req)
}

// AppendRequest appends the encoding of req to dst. On error dst is
// returned unchanged.
func AppendRequest(dst []byte, req *Request) ([]byte, error) {
	return appendFrame(dst, MagicRequest, req.Opcode, req.Datatype, req.VBucket,
		req.Opaque, req.CAS, req.Extras, req.Key, req.Value)
}

// AppendResponse appends the encoding of a response frame to dst. Only
// servers and tests need this.
func AppendResponse(dst []byte, f *Frame) ([]byte, error) {
	return appendFrame(dst, MagicResponse, f.Opcode, f.Datatype, uint16(f.Status),
		f.Opaque, f.CAS, f.Extras, f.Key, f.Value)
}

func bodyLen(extras, key, value []byte) (uint32, error) {
	if len(key) > MaxKeyLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	if len(extras) > MaxExtrasLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrExtrasTooLarge, len(extras))
	}
	total := uint64(len(extras)) + uint64(len(key)) + uint64(len(value))
	if total > MaxBodyLen {
		return 0, fmt.Errorf("%w: body of %d bytes", ErrValueTooLarge, total)
	}
	return uint32(total), nil
}

func appendFrame(dst []byte, magic Magic, op Opcode, datatype uint8, vbOrStatus uint16,
	opaque uint32, cas uint64, extras, key, value []byte) ([]byte, error) {
	body, err := bodyLen(extras, key, value)
	if err != nil {
		return dst, err
	}

	start := len(dst)
	dst = grow(dst, HeaderLen, int(body))
	hdr := dst[start : start+HeaderLen]

	hdr[offMagic] = byte(magic)
	hdr[offOpcode] = byte(op)
	putUint16(hdr[offKeyLen:], uint16(len(key)))
	hdr[offExtLen] = byte(len(extras))
	hdr[offDatatype] = datatype
	putUint16(hdr[offVBucket:], vbOrStatus)
	putUint32(hdr[offBodyLen:], body)
	putUint32(hdr[offOpaque:], opaque)
	putUint64(hdr[offCAS:], cas)

	dst = append(dst, extras...)
	dst = append(dst, key...)
	dst = append(dst, value...)
	return dst, nil
}

// grow extends b by n bytes, reserving room for extra more.
func grow(b []byte, n, extra int) []byte {
	if cap(b)-len(b) < n+extra {
		nb := make([]byte, len(b), len(b)+n+extra)
		copy(nb, b)
		b = nb
	}
	return b[:len(b)+n]
}

// The put/get helpers below are only called on slices whose length has
// already been checked, so the codec errors cannot happen.

func putUint16(b []byte, v uint16) { _ = codec.WriteUint16(v, b, codec.BigEndian) }
func putUint32(b []byte, v uint32) { _ = codec.WriteUint32(v, b, codec.BigEndian) }
func putUint64(b []byte, v uint64) { _ = codec.WriteUint64(v, b, codec.BigEndian) }

func getUint16(b []byte) uint16 { v, _ := codec.ReadUint16(b, codec.BigEndian); return v }
func getUint32(b []byte) uint32 { v, _ := codec.ReadUint32(b, codec.BigEndian); return v }
func getUint64(b []byte) uint64 { v, _ := codec.ReadUint64(b, codec.BigEndian); return v }
