package frame

import "errors"

// Frame is a parsed frame. Extras, Key and Value alias the buffer they were
// parsed from; use Clone to keep a frame past the next Parser.Feed.
type Frame struct {
	Magic    Magic
	Opcode   Opcode
	Datatype uint8
	// VBucket is set on requests, Status on responses. They share a header field.
	VBucket uint16
	Status  Status
	Opaque  uint32
	CAS     uint64
	Extras  []byte
	Key     []byte
	Value   []byte
}

// Len returns the encoded size of the frame.
func (f *Frame) Len() int {
	return HeaderLen + len(f.Extras) + len(f.Key) + len(f.Value)
}

// Clone returns a copy of f that owns its payload, backed by one allocation.
func (f Frame) Clone() Frame {
	n := len(f.Extras) + len(f.Key) + len(f.Value)
	if n == 0 {
		f.Extras, f.Key, f.Value = nil, nil, nil
		return f
	}

	buf := make([]byte, 0, n)
	buf = append(buf, f.Extras...)
	buf = append(buf, f.Key...)
	buf = append(buf, f.Value...)

	e, k := len(f.Extras), len(f.Extras)+len(f.Key)
	f.Extras = nilIfEmpty(buf[:e:e])
	f.Key = nilIfEmpty(buf[e:k:k])
	f.Value = nilIfEmpty(buf[k:n:n])
	return f
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ParseResponse parses b as exactly one response frame.
//
// A prefix of a valid frame returns ErrNeedMoreData. Bad magic, inconsistent
// length fields or bytes past the declared end return a *FramingError.
func ParseResponse(b []byte) (Frame, error) {
	f, n, err := decode(b, MagicResponse, MaxBodyLen)
	if err != nil {
		return Frame{}, err
	}
	if n != len(b) {
		return Frame{}, framingErrorf("declared frame length %d does not match %d bytes", n, len(b))
	}
	return f, nil
}

// Parser splits an accumulated byte stream into frames.
//
// Bytes that belong to frames already returned by Next are never inspected
// again. A frame split across any number of Feed calls parses the same as a
// frame fed in one piece. After a framing error the parser is poisoned and
// keeps returning that error.
type Parser struct {
	magic   Magic
	maxBody uint32

	buf []byte
	off int
	err error
}

// NewParser returns a parser for response frames.
func NewParser() *Parser {
	return &Parser{magic: MagicResponse, maxBody: DefaultMaxBodyLen}
}

// NewRequestParser returns a parser for request frames, as used by servers.
func NewRequestParser() *Parser {
	return &Parser{magic: MagicRequest, maxBody: DefaultMaxBodyLen}
}

// SetMaxBodyLen changes the largest body the parser accepts.
// Larger declared bodies are framing errors.
func (p *Parser) SetMaxBodyLen(n uint32) {
	p.maxBody = n
}

// Feed appends b to the parser's buffer. Frames returned before the call
// must not be used afterwards unless cloned.
func (p *Parser) Feed(b []byte) {
	if p.off > 0 {
		// compact: only the unconsumed tail moves
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, b...)
}

// Next returns the next complete frame, ErrNeedMoreData when the buffered
// bytes end before a frame does, or a *FramingError.
func (p *Parser) Next() (Frame, error) {
	if p.err != nil {
		return Frame{}, p.err
	}

	f, n, err := decode(p.buf[p.off:], p.magic, p.maxBody)
	if err != nil {
		var fe *FramingError
		if errors.As(err, &fe) {
			p.err = err
		}
		return Frame{}, err
	}

	p.off += n
	return f, nil
}

// Buffered returns the number of unconsumed bytes.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.off
}

// Reset drops buffered bytes and clears a framing error.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.off = 0
	p.err = nil
}

// decode reads one frame from the start of b and returns it with the number
// of bytes it spans.
func decode(b []byte, magic Magic, maxBody uint32) (Frame, int, error) {
	if len(b) == 0 {
		return Frame{}, 0, ErrNeedMoreData
	}
	if Magic(b[offMagic]) != magic {
		return Frame{}, 0, framingErrorf("bad magic 0x%02x, want 0x%02x", b[offMagic], byte(magic))
	}
	if len(b) < HeaderLen {
		return Frame{}, 0, ErrNeedMoreData
	}

	keyLen := uint32(getUint16(b[offKeyLen:]))
	extLen := uint32(b[offExtLen])
	body := getUint32(b[offBodyLen:])

	if body > maxBody {
		return Frame{}, 0, framingErrorf("body length %d exceeds limit %d", body, maxBody)
	}
	if keyLen+extLen > body {
		return Frame{}, 0, framingErrorf("key (%d) and extras (%d) exceed body length %d", keyLen, extLen, body)
	}

	total := HeaderLen + int(body)
	if len(b) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	f := Frame{
		Magic:    magic,
		Opcode:   Opcode(b[offOpcode]),
		Datatype: b[offDatatype],
		Opaque:   getUint32(b[offOpaque:]),
		CAS:      getUint64(b[offCAS:]),
	}
	if magic == MagicRequest {
		f.VBucket = getUint16(b[offVBucket:])
	} else {
		f.Status = Status(getUint16(b[offVBucket:]))
	}

	e := HeaderLen + int(extLen)
	k := e + int(keyLen)
	if extLen > 0 {
		f.Extras = b[HeaderLen:e:e]
	}
	if keyLen > 0 {
		f.Key = b[e:k:k]
	}
	if k < total {
		f.Value = b[k:total:total]
	}

	return f, total, nil
}
