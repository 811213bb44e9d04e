package topology

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrStreamerClosed   = errors.New("topology: streamer closed")
	ErrNoNewerMap       = errors.New("topology: no newer map within grace period")
	ErrTooManyMalformed = errors.New("topology: too many malformed documents")
	ErrStreamEnded      = errors.New("topology: config stream ended")
	ErrDocumentTooLarge = errors.New("topology: config document too large")
)

// State of the streaming connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	DefaultMaxMalformedDocs = 3
	DefaultBackoffInitial   = 100 * time.Millisecond
	DefaultBackoffMax       = 10 * time.Second
	DefaultSubscriberBuffer = 16
	DefaultMaxDocumentSize  = 20 * 1024 * 1024
)

// StreamerConfig configures a Streamer. Zero values select the defaults.
type StreamerConfig struct {
	Bucket string

	// Bootstrap lists management endpoints (host:port) used until a map
	// with node addresses has been received.
	Bootstrap []string

	Source ConfigSource

	// MaxMalformedDocs is how many consecutive malformed documents are
	// tolerated before the stream is treated as failed.
	MaxMalformedDocs int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	SubscriberBuffer int
	MaxDocumentSize  int

	Logger *slog.Logger
}

// Streamer follows the cluster configuration stream and publishes each new
// ShardMap. Published maps strictly increase in (RevEpoch, Revision).
type Streamer struct {
	config StreamerConfig
	logger *slog.Logger

	current atomic.Pointer[ShardMap]
	state   atomic.Int32

	// mu serializes publication and guards the fields below
	mu      sync.Mutex
	changed chan struct{}
	subs    map[*subscription]struct{}
	closed  bool

	cursor int // only touched by the run goroutine

	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	stats streamerStats
}

func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if cfg.Source == nil {
		return nil, errors.New("topology: config source is required")
	}
	if len(cfg.Bootstrap) == 0 {
		return nil, errors.New("topology: at least one bootstrap endpoint is required")
	}
	if cfg.MaxMalformedDocs <= 0 {
		cfg.MaxMalformedDocs = DefaultMaxMalformedDocs
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = DefaultMaxDocumentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Streamer{
		config:  cfg,
		logger:  cfg.Logger.With("component", "topology", "bucket", cfg.Bucket),
		changed: make(chan struct{}),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// State returns the connection state.
func (s *Streamer) State() State {
	return State(s.state.Load())
}

func (s *Streamer) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Current returns the latest published map, or nil.
func (s *Streamer) Current() *ShardMap {
	return s.current.Load()
}

// Start launches the streaming goroutine. Later calls are no-ops.
func (s *Streamer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		ctx, s.cancel = context.WithCancel(ctx)
		s.started.Store(true)
		go s.run(ctx)
	})
}

// Close stops streaming, waits for the goroutine to exit and closes every
// subscription channel. Nothing is published afterwards.
func (s *Streamer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state.Store(int32(StateClosed))
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
	close(s.changed)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.started.Load() {
		<-s.done
	}
	return nil
}

func (s *Streamer) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.BackoffInitial
	bo.MaxInterval = s.config.BackoffMax
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		endpoint := s.nextEndpoint()
		s.setState(StateConnecting)
		s.logger.Debug("connecting to config stream", "endpoint", endpoint)

		err := s.stream(ctx, endpoint, bo)
		if ctx.Err() != nil {
			return
		}

		s.stats.recordReconnect()
		wait := bo.NextBackOff()
		s.setState(StateReconnecting)
		s.logger.Warn("config stream failed", "endpoint", endpoint, "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextEndpoint round-robins over the last map's management addresses, or the
// bootstrap list when there is no usable map.
func (s *Streamer) nextEndpoint() string {
	endpoints := s.config.Bootstrap
	if m := s.current.Load(); m != nil {
		if addrs := m.MgmtAddrs(); len(addrs) > 0 {
			endpoints = addrs
		}
	}
	e := endpoints[s.cursor%len(endpoints)]
	s.cursor++
	return e
}

func (s *Streamer) stream(ctx context.Context, endpoint string, bo backoff.BackOff) error {
	body, err := s.config.Source.Open(ctx, endpoint, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("open %s: %w", endpoint, err)
	}
	defer body.Close()

	// cancellation must interrupt a blocked read
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	s.setState(StateStreaming)
	s.logger.Info("config stream established", "endpoint", endpoint)

	host := hostOnly(endpoint)
	splitter := &documentSplitter{max: s.config.MaxDocumentSize}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.config.MaxDocumentSize)), s.config.MaxDocumentSize+len(documentDelimiter))
	scanner.Split(splitter.split)

	malformed := 0
	for scanner.Scan() {
		var m *ShardMap
		var err error
		if doc := scanner.Bytes(); len(doc) == 0 {
			err = fmt.Errorf("%w: over %d bytes", ErrDocumentTooLarge, s.config.MaxDocumentSize)
		} else {
			m, err = ParseDocument(doc, host)
		}
		if err != nil {
			malformed++
			s.stats.recordMalformed()
			s.logger.Warn("dropping malformed config document", "endpoint", endpoint, "error", err, "consecutive", malformed)
			if malformed > s.config.MaxMalformedDocs {
				return fmt.Errorf("%w: %d in a row", ErrTooManyMalformed, malformed)
			}
			continue
		}

		malformed = 0
		bo.Reset()
		s.publish(m, endpoint)
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamEnded
}

// Offer submits a configuration document obtained out of band, such as the
// body of a not-my-vbucket response. It reports whether a new map was
// published.
func (s *Streamer) Offer(doc []byte, host string) bool {
	s.stats.recordOffer()
	m, err := ParseDocument(doc, host)
	if err != nil {
		s.logger.Debug("ignoring offered config", "host", host, "error", err)
		return false
	}
	return s.publish(m, host)
}

// Publish submits an already built map. It reports whether the map was
// newer than the current one and was published.
func (s *Streamer) Publish(m *ShardMap) bool {
	return s.publish(m, "")
}

func (s *Streamer) publish(m *ShardMap, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	prev := s.current.Load()
	if !m.Newer(prev) {
		s.stats.recordStale()
		s.logger.Debug("dropping stale config", "rev", m.Revision(), "epoch", m.RevEpoch(),
			"current_rev", prev.Revision(), "source", source)
		return false
	}

	m = m.WithGenerations(prev)
	s.current.Store(m)
	close(s.changed)
	s.changed = make(chan struct{})

	for sub := range s.subs {
		sub.deliver(m)
	}

	s.stats.recordPublished(m.Revision())
	s.logger.Info("published config", "rev", m.Revision(), "epoch", m.RevEpoch(),
		"nodes", len(m.nodes), "shards", m.ShardCount(), "source", source)
	return true
}

// WaitNewer returns the first map newer than than, waiting at most grace for
// one to be published. If none arrives it returns the current map with
// ErrNoNewerMap. A nil than is satisfied by any map.
func (s *Streamer) WaitNewer(ctx context.Context, than *ShardMap, grace time.Duration) (*ShardMap, error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		s.mu.Lock()
		cur := s.current.Load()
		changed := s.changed
		closed := s.closed
		s.mu.Unlock()

		if cur != nil && cur.Newer(than) {
			return cur, nil
		}
		if closed {
			return cur, ErrStreamerClosed
		}

		select {
		case <-changed:
		case <-timer.C:
			return cur, ErrNoNewerMap
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Subscribe returns a channel receiving every published map in order,
// starting with the current one. When the consumer falls behind, the oldest
// undelivered maps are dropped. The channel is closed by cancel or Close.
func (s *Streamer) Subscribe() (<-chan *ShardMap, func()) {
	sub := &subscription{ch: make(chan *ShardMap, s.config.SubscriberBuffer)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	if m := s.current.Load(); m != nil {
		sub.deliver(m)
	}
	s.subs[sub] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

type subscription struct {
	ch      chan *ShardMap
	dropped atomic.Uint64
}

// deliver never blocks. Only the publisher sends, so making room by
// discarding the oldest entry always succeeds eventually.
func (sub *subscription) deliver(m *ShardMap) {
	for {
		select {
		case sub.ch <- m:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
	}
}

// Stats returns a snapshot of the streamer counters.
func (s *Streamer) Stats() StreamerStats {
	st := s.stats.snapshot()
	st.State = s.State()
	s.mu.Lock()
	st.Subscribers = len(s.subs)
	for sub := range s.subs {
		st.DroppedDeliveries += sub.dropped.Load()
	}
	s.mu.Unlock()
	return st
}

// StreamerStats is a point-in-time copy of the streamer counters.
type StreamerStats struct {
	State             State
	Revision          int64
	Published         uint64
	Stale             uint64
	Malformed         uint64
	Offered           uint64
	Reconnects        uint64
	Subscribers       int
	DroppedDeliveries uint64
}

type streamerStats struct {
	revision   atomic.Int64
	published  atomic.Uint64
	stale      atomic.Uint64
	malformed  atomic.Uint64
	offered    atomic.Uint64
	reconnects atomic.Uint64
}

func (s *streamerStats) recordPublished(rev int64) {
	s.published.Add(1)
	s.revision.Store(rev)
}

func (s *streamerStats) recordStale()     { s.stale.Add(1) }
func (s *streamerStats) recordMalformed() { s.malformed.Add(1) }
func (s *streamerStats) recordOffer()     { s.offered.Add(1) }
func (s *streamerStats) recordReconnect() { s.reconnects.Add(1) }

func (s *streamerStats) snapshot() StreamerStats {
	return StreamerStats{
		Revision:   s.revision.Load(),
		Published:  s.published.Load(),
		Stale:      s.stale.Load(),
		Malformed:  s.malformed.Load(),
		Offered:    s.offered.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

var _ io.Closer = (*Streamer)(nil)
