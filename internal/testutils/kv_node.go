package testutils

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pior/couchkv/codec"
	"github.com/pior/couchkv/frame"
)

// StoredItem is an item held by a FakeNode.
type StoredItem struct {
	Value  []byte
	Flags  uint32
	Expiry uint32
	CAS    uint64
}

// FakeNode is an in-memory data node speaking the binary protocol. It keeps
// its own items, so tests can check where a write landed.
type FakeNode struct {
	Name string

	mu       sync.Mutex
	items    map[string]*StoredItem
	cas      uint64
	counts   map[frame.Opcode]int
	conns    map[net.Conn]struct{}
	nmvb     map[uint16][]byte
	hang     map[frame.Opcode]bool
	garbage  map[frame.Opcode]bool
	delay    time.Duration
	bucket   string
	username string
	password string
	config   []byte
	requests []frame.Frame
}

func NewFakeNode(name string) *FakeNode {
	return &FakeNode{
		Name:    name,
		items:   make(map[string]*StoredItem),
		counts:  make(map[frame.Opcode]int),
		conns:   make(map[net.Conn]struct{}),
		nmvb:    make(map[uint16][]byte),
		hang:    make(map[frame.Opcode]bool),
		garbage: make(map[frame.Opcode]bool),
	}
}

// RequireBucket makes SELECT_BUCKET fail for any other bucket.
func (n *FakeNode) RequireBucket(bucket string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bucket = bucket
}

// RequireAuth makes SASL PLAIN fail for other credentials.
func (n *FakeNode) RequireAuth(username, password string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.username, n.password = username, password
}

// SetNotMyVBucket makes requests for vbucket fail with not-my-vbucket and
// config as body. A nil config sends an empty body.
func (n *FakeNode) SetNotMyVBucket(vbucket uint16, config []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nmvb[vbucket] = config
}

// ClearNotMyVBucket undoes SetNotMyVBucket.
func (n *FakeNode) ClearNotMyVBucket(vbucket uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nmvb, vbucket)
}

// Hang makes the node read requests with op and never answer them.
func (n *FakeNode) Hang(op frame.Opcode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hang[op] = true
}

// Garbage makes the node answer op with bytes that are not a frame.
func (n *FakeNode) Garbage(op frame.Opcode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.garbage[op] = true
}

// SetDelay delays every response.
func (n *FakeNode) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// SetClusterConfig sets the body of GET_CLUSTER_CONFIG responses.
func (n *FakeNode) SetClusterConfig(config []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config = config
}

// Count returns how many requests with op the node received.
func (n *FakeNode) Count(op frame.Opcode) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[op]
}

// Requests returns every request received, in order.
func (n *FakeNode) Requests() []frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]frame.Frame(nil), n.requests...)
}

// Item returns a stored item.
func (n *FakeNode) Item(key string) (StoredItem, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	it, ok := n.items[key]
	if !ok {
		return StoredItem{}, false
	}
	return *it, true
}

// Put stores an item directly.
func (n *FakeNode) Put(key string, value []byte) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cas++
	n.items[key] = &StoredItem{Value: value, CAS: n.cas}
	return n.cas
}

// Connections returns the number of open connections.
func (n *FakeNode) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// CloseConnections closes every connection from the server side.
func (n *FakeNode) CloseConnections() {
	n.mu.Lock()
	conns := n.conns
	n.conns = make(map[net.Conn]struct{})
	n.mu.Unlock()

	for c := range conns {
		_ = c.Close()
	}
}

// Serve answers requests on conn until it is closed.
func (n *FakeNode) Serve(conn net.Conn) {
	n.mu.Lock()
	n.conns[conn] = struct{}{}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	parser := frame.NewRequestParser()
	buf := make([]byte, 16*1024)
	for {
		nr, err := conn.Read(buf)
		if nr > 0 {
			parser.Feed(buf[:nr])
			for {
				req, perr := parser.Next()
				if errors.Is(perr, frame.ErrNeedMoreData) {
					break
				}
				if perr != nil {
					return
				}
				if !n.respond(conn, req.Clone()) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// respond handles one request. It returns false when the connection must
// be dropped.
func (n *FakeNode) respond(conn net.Conn, req frame.Frame) bool {
	n.mu.Lock()
	n.counts[req.Opcode]++
	n.requests = append(n.requests, req)
	hang := n.hang[req.Opcode]
	garbage := n.garbage[req.Opcode]
	delay := n.delay
	n.mu.Unlock()

	if hang {
		return true
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if garbage {
		_, _ = conn.Write(bytes.Repeat([]byte{0xde, 0xad}, frame.HeaderLen))
		return false
	}

	resp := n.handle(req)
	resp.Magic = frame.MagicResponse
	resp.Opcode = req.Opcode
	resp.Opaque = req.Opaque
	return frame.WriteResponse(conn, &resp) == nil
}

var kvOps = map[frame.Opcode]bool{
	frame.OpGet: true, frame.OpGetAndTouch: true, frame.OpSet: true, frame.OpAdd: true,
	frame.OpReplace: true, frame.OpDelete: true, frame.OpIncrement: true, frame.OpDecrement: true,
	frame.OpAppend: true, frame.OpPrepend: true, frame.OpTouch: true,
}

func (n *FakeNode) handle(req frame.Frame) frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()

	if kvOps[req.Opcode] {
		if config, ok := n.nmvb[req.VBucket]; ok {
			return frame.Frame{Status: frame.StatusNotMyVBucket, Value: config}
		}
	}

	key := string(req.Key)
	item := n.items[key]

	switch req.Opcode {
	case frame.OpHello:
		return frame.Frame{Value: req.Value}

	case frame.OpSASLAuth:
		parts := bytes.Split(req.Value, []byte{0})
		if n.username != "" && (len(parts) != 3 || string(parts[1]) != n.username || string(parts[2]) != n.password) {
			return frame.Frame{Status: frame.StatusAuthError, Value: []byte("Auth failure")}
		}
		return frame.Frame{}

	case frame.OpSelectBucket:
		if n.bucket != "" && key != n.bucket {
			return frame.Frame{Status: frame.StatusAccessError}
		}
		return frame.Frame{}

	case frame.OpNoop:
		return frame.Frame{}

	case frame.OpGetClusterConfig:
		return frame.Frame{Value: n.config, Datatype: frame.DatatypeJSON}

	case frame.OpGet, frame.OpGetAndTouch:
		if item == nil {
			return frame.Frame{Status: frame.StatusKeyNotFound, Value: []byte("Not found")}
		}
		if req.Opcode == frame.OpGetAndTouch {
			item.Expiry = u32(req.Extras)
		}
		extras := make([]byte, 4)
		_ = codec.WriteUint32(item.Flags, extras, codec.BigEndian)
		return frame.Frame{Extras: extras, Value: item.Value, CAS: item.CAS}

	case frame.OpSet, frame.OpAdd, frame.OpReplace:
		switch {
		case req.Opcode == frame.OpAdd && item != nil:
			return frame.Frame{Status: frame.StatusKeyExists}
		case req.Opcode == frame.OpReplace && item == nil:
			return frame.Frame{Status: frame.StatusKeyNotFound}
		case req.CAS != 0 && item == nil:
			return frame.Frame{Status: frame.StatusKeyNotFound}
		case req.CAS != 0 && item.CAS != req.CAS:
			return frame.Frame{Status: frame.StatusKeyExists}
		}
		n.cas++
		n.items[key] = &StoredItem{
			Value:  req.Value,
			Flags:  u32(req.Extras[0:4]),
			Expiry: u32(req.Extras[4:8]),
			CAS:    n.cas,
		}
		return frame.Frame{CAS: n.cas}

	case frame.OpDelete:
		if item == nil {
			return frame.Frame{Status: frame.StatusKeyNotFound}
		}
		if req.CAS != 0 && item.CAS != req.CAS {
			return frame.Frame{Status: frame.StatusKeyExists}
		}
		delete(n.items, key)
		n.cas++
		return frame.Frame{CAS: n.cas}

	case frame.OpIncrement, frame.OpDecrement:
		delta := u64(req.Extras[0:8])
		initial := u64(req.Extras[8:16])
		exp := u32(req.Extras[16:20])

		var value uint64
		if item == nil {
			if exp == frame.NoCreateExpiry {
				return frame.Frame{Status: frame.StatusKeyNotFound}
			}
			value = initial
			item = &StoredItem{Expiry: exp}
			n.items[key] = item
		} else {
			current, err := strconv.ParseUint(string(item.Value), 10, 64)
			if err != nil {
				return frame.Frame{Status: frame.StatusDeltaBadValue}
			}
			if req.Opcode == frame.OpIncrement {
				value = current + delta
			} else if delta > current {
				value = 0
			} else {
				value = current - delta
			}
		}
		n.cas++
		item.Value = []byte(strconv.FormatUint(value, 10))
		item.CAS = n.cas

		out := make([]byte, 8)
		_ = codec.WriteUint64(value, out, codec.BigEndian)
		return frame.Frame{Value: out, CAS: n.cas}

	case frame.OpAppend, frame.OpPrepend:
		if item == nil {
			return frame.Frame{Status: frame.StatusNotStored}
		}
		if req.Opcode == frame.OpAppend {
			item.Value = append(append([]byte(nil), item.Value...), req.Value...)
		} else {
			item.Value = append(append([]byte(nil), req.Value...), item.Value...)
		}
		n.cas++
		item.CAS = n.cas
		return frame.Frame{CAS: n.cas}

	case frame.OpTouch:
		if item == nil {
			return frame.Frame{Status: frame.StatusKeyNotFound}
		}
		item.Expiry = u32(req.Extras)
		return frame.Frame{CAS: item.CAS}

	default:
		return frame.Frame{Status: frame.StatusUnknownCommand}
	}
}

func u32(b []byte) uint32 {
	v, _ := codec.ReadUint32(b, codec.BigEndian)
	return v
}

func u64(b []byte) uint64 {
	v, _ := codec.ReadUint64(b, codec.BigEndian)
	return v
}
