package frame

import (
	"errors"
	"testing"
)

// FuzzParser checks that the parser never panics and that feeding a stream
// in two pieces yields the same frames as feeding it whole.
// Run with: go test -fuzz='^FuzzParser$' -fuzztime=60s ./frame
func FuzzParser(f *testing.F) {
	noop, _ := AppendResponse(nil, &Frame{Opcode: OpNoop})
	get, _ := AppendResponse(nil, &Frame{Opcode: OpGet, Extras: []byte{0, 0, 0, 1}, Key: []byte("k"), Value: []byte("v")})
	nmvb, _ := AppendResponse(nil, &Frame{Opcode: OpIncrement, Status: StatusNotMyVBucket, Value: []byte(`{"rev":2}`)})

	f.Add(noop, 3)
	f.Add(append(get, noop...), 30)
	f.Add(nmvb, 24)
	f.Add([]byte{}, 0)
	f.Add([]byte{0x81}, 1)
	f.Add([]byte{0x81, 0, 0, 0xff, 0xff, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 12)

	f.Fuzz(func(t *testing.T, data []byte, split int) {
		if split < 0 || split > len(data) {
			split = len(data) / 2
		}

		whole, wholeErr := drain([][]byte{data})
		parts, partsErr := drain([][]byte{data[:split], data[split:]})

		if (wholeErr == nil) != (partsErr == nil) {
			t.Fatalf("error mismatch: whole=%v parts=%v", wholeErr, partsErr)
		}
		if len(whole) != len(parts) {
			t.Fatalf("frame count mismatch: whole=%d parts=%d", len(whole), len(parts))
		}
		for i := range whole {
			if whole[i].Opaque != parts[i].Opaque || whole[i].Len() != parts[i].Len() {
				t.Fatalf("frame %d differs", i)
			}
		}

		if len(whole) == 1 && wholeErr == nil {
			if _, err := ParseResponse(data); err != nil && !errors.Is(err, ErrNeedMoreData) {
				var fe *FramingError
				if !errors.As(err, &fe) {
					t.Fatalf("unexpected error type %T", err)
				}
			}
		}
	})
}

func drain(chunks [][]byte) ([]Frame, error) {
	p := NewParser()
	var out []Frame
	for _, c := range chunks {
		p.Feed(c)
		for {
			f, err := p.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				return out, err
			}
			out = append(out, f.Clone())
		}
	}
	return out, nil
}
