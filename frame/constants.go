package frame

import "fmt"

// Magic identifies the direction of a frame.
type Magic uint8

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

// Opcode is the command code at header offset 1.
type Opcode uint8

const (
	OpGet              Opcode = 0x00
	OpSet              Opcode = 0x01
	OpAdd              Opcode = 0x02
	OpReplace          Opcode = 0x03
	OpDelete           Opcode = 0x04
	OpIncrement        Opcode = 0x05
	OpDecrement        Opcode = 0x06
	OpNoop             Opcode = 0x0a
	OpAppend           Opcode = 0x0e
	OpPrepend          Opcode = 0x0f
	OpTouch            Opcode = 0x1c
	OpGetAndTouch      Opcode = 0x1d
	OpHello            Opcode = 0x1f
	OpSASLListMechs    Opcode = 0x20
	OpSASLAuth         Opcode = 0x21
	OpSelectBucket     Opcode = 0x89
	OpGetClusterConfig Opcode = 0xb5
)

var opcodeNames = map[Opcode]string{
	OpGet:              "GET",
	OpSet:              "SET",
	OpAdd:              "ADD",
	OpReplace:          "REPLACE",
	OpDelete:           "DELETE",
	OpIncrement:        "INCREMENT",
	OpDecrement:        "DECREMENT",
	OpNoop:             "NOOP",
	OpAppend:           "APPEND",
	OpPrepend:          "PREPEND",
	OpTouch:            "TOUCH",
	OpGetAndTouch:      "GAT",
	OpHello:            "HELLO",
	OpSASLListMechs:    "SASL_LIST_MECHS",
	OpSASLAuth:         "SASL_AUTH",
	OpSelectBucket:     "SELECT_BUCKET",
	OpGetClusterConfig: "GET_CLUSTER_CONFIG",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Idempotent reports whether resending the opcode after an unknown outcome
// cannot change the stored state.
func (o Opcode) Idempotent() bool {
	switch o {
	case OpGet, OpNoop, OpHello, OpSASLListMechs, OpSelectBucket, OpGetClusterConfig:
		return true
	default:
		return false
	}
}

// Status is the response status at header offset 6.
type Status uint16

const (
	StatusSuccess          Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusTooBig           Status = 0x0003
	StatusInvalidArgs      Status = 0x0004
	StatusNotStored        Status = 0x0005
	StatusDeltaBadValue    Status = 0x0006
	StatusNotMyVBucket     Status = 0x0007
	StatusNoBucket         Status = 0x0008
	StatusLocked           Status = 0x0009
	StatusAuthStale        Status = 0x001f
	StatusAuthError        Status = 0x0020
	StatusAuthContinue     Status = 0x0021
	StatusRangeError       Status = 0x0022
	StatusAccessError      Status = 0x0024
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
	StatusNotSupported     Status = 0x0083
	StatusInternalError    Status = 0x0084
	StatusBusy             Status = 0x0085
	StatusTemporaryFailure Status = 0x0086
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusKeyNotFound:      "key not found",
	StatusKeyExists:        "key exists",
	StatusTooBig:           "value too big",
	StatusInvalidArgs:      "invalid arguments",
	StatusNotStored:        "not stored",
	StatusDeltaBadValue:    "non-numeric value",
	StatusNotMyVBucket:     "not my vbucket",
	StatusNoBucket:         "no bucket selected",
	StatusLocked:           "locked",
	StatusAuthStale:        "authentication stale",
	StatusAuthError:        "authentication error",
	StatusAuthContinue:     "authentication continue",
	StatusRangeError:       "range error",
	StatusAccessError:      "access error",
	StatusUnknownCommand:   "unknown command",
	StatusOutOfMemory:      "out of memory",
	StatusNotSupported:     "not supported",
	StatusInternalError:    "internal error",
	StatusBusy:             "busy",
	StatusTemporaryFailure: "temporary failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%04x)", uint16(s))
}

// Temporary reports whether the server expects the client to retry later.
func (s Status) Temporary() bool {
	switch s {
	case StatusBusy, StatusTemporaryFailure, StatusOutOfMemory, StatusLocked:
		return true
	default:
		return false
	}
}

// Datatype flags at header offset 5.
const (
	DatatypeRaw    uint8 = 0x00
	DatatypeJSON   uint8 = 0x01
	DatatypeSnappy uint8 = 0x02
	DatatypeXattr  uint8 = 0x04
)

// HELLO feature codes.
const (
	FeatureTCPNoDelay   uint16 = 0x0003
	FeatureXError       uint16 = 0x0007
	FeatureSelectBucket uint16 = 0x0008
)

// Header layout.
const (
	HeaderLen = 24

	offMagic    = 0
	offOpcode   = 1
	offKeyLen   = 2
	offExtLen   = 4
	offDatatype = 5
	offVBucket  = 6
	offBodyLen  = 8
	offOpaque   = 12
	offCAS      = 16
)

// Field limits imposed by the header widths.
const (
	MaxKeyLen    = 1<<16 - 1
	MaxExtrasLen = 1<<8 - 1
	MaxBodyLen   = 1<<32 - 1
)

// DefaultMaxBodyLen bounds the body a Parser accepts: the server's 20 MiB
// document limit plus room for extras and key.
const DefaultMaxBodyLen = 20*1024*1024 + 1024
