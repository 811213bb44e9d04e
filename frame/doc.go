// Package frame builds and parses binary key-value protocol frames.
//
// Every frame is a fixed 24-byte header followed by a body made of extras,
// key and value, in that order. All multi-byte header fields are big-endian:
//
//	offset  size  request          response
//	0       1     magic 0x80       magic 0x81
//	1       1     opcode           opcode
//	2       2     key length       key length
//	4       1     extras length    extras length
//	5       1     datatype         datatype
//	6       2     vbucket id       status
//	8       4     total body       total body
//	12      4     opaque           opaque
//	16      8     cas              cas
//
// Length fields are always computed from the actual payload. Callers never
// supply them.
//
// Building:
//
//	buf, err := frame.BuildRequest(&frame.Request{
//		Opcode:  frame.OpGet,
//		VBucket: 111,
//		Opaque:  42,
//		Key:     []byte("user:42"),
//	})
//
// Parsing a stream:
//
//	p := frame.NewParser()
//	p.Feed(chunk)
//	for {
//		f, err := p.Next()
//		if errors.Is(err, frame.ErrNeedMoreData) {
//			break // read more bytes
//		}
//		if err != nil {
//			return err // framing error, close the connection
//		}
//		handle(f.Clone())
//	}
package frame
