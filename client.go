package couchkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pior/couchkv/frame"
	"github.com/pior/couchkv/topology"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

// relativeExpiryLimit is the largest expiry the server reads as relative
// seconds. Longer TTLs are sent as absolute Unix times.
const relativeExpiryLimit = 30 * 24 * time.Hour

type Item struct {
	Key   string
	Value []byte
	Flags uint32
	TTL   time.Duration
	CAS   uint64 // compare-and-swap token, zero means unconditional
	Found bool   // indicates whether the key was found
}

// CounterOptions configures Increment and Decrement.
type CounterOptions struct {
	// Delta is added to or subtracted from the counter. Zero means 1.
	Delta uint64

	// Initial is stored when the counter does not exist.
	Initial uint64

	// TTL of a newly created counter.
	TTL time.Duration

	// NoCreate fails with ErrKeyNotFound instead of creating the counter.
	NoCreate bool
}

// DefaultCounterOptions counts by one, starting at one.
var DefaultCounterOptions = CounterOptions{Delta: 1, Initial: 1}

type Querier interface {
	Get(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, item Item) (uint64, error)
	Add(ctx context.Context, item Item) (uint64, error)
	Replace(ctx context.Context, item Item) (uint64, error)
	Remove(ctx context.Context, key string, cas uint64) error
	Increment(ctx context.Context, key string, opts CounterOptions) (uint64, error)
	Decrement(ctx context.Context, key string, opts CounterOptions) (uint64, error)
}

// Client is a key-value client for one bucket. It follows the cluster map
// and routes every operation to the node owning its key.
type Client struct {
	config   Config
	logger   *slog.Logger
	streamer *topology.Streamer
	registry *Registry
	router   *Router
	stats    *clientStatsCollector

	cancelSubscription func()
	applyDone          chan struct{}

	closeOnce sync.Once
}

var _ Querier = (*Client)(nil)

// NewClient starts following the cluster map of config.Bucket and returns
// once the first map is known, or fails after ConnectTimeout.
// Data connections are opened lazily.
func NewClient(ctx context.Context, config Config) (*Client, error) {
	if config.Bucket == "" {
		return nil, errors.New("couchkv: bucket is required")
	}
	if len(config.Bootstrap) == 0 {
		return nil, errors.New("couchkv: no bootstrap endpoints provided")
	}
	config.setDefaults()

	clientID := uuid.NewString()
	logger := config.Logger.With("bucket", config.Bucket)

	streamer, err := topology.NewStreamer(topology.StreamerConfig{
		Bucket:           config.Bucket,
		Bootstrap:        config.Bootstrap,
		Source:           config.ConfigSource,
		MaxMalformedDocs: config.MaxMalformedDocs,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(RegistryConfig{
		Dialer:              config.Dialer,
		KVConnections:       config.KVConnections,
		ConnectTimeout:      config.ConnectTimeout,
		DrainTimeout:        config.DrainTimeout,
		HealthCheckInterval: config.HealthCheckInterval,
		MaxConnLifetime:     config.MaxConnLifetime,
		MaxConnIdleTime:     config.MaxConnIdleTime,
		Pool:                config.Pool,
		NewCircuitBreaker:   config.NewCircuitBreaker,
		Authenticator:       config.Authenticator,
		Bucket:              config.Bucket,
		ClientID:            clientID,
		Logger:              logger,
	})

	router := NewRouter(streamer, registry, RouterConfig{
		MaxAttempts:      config.MaxAttempts,
		RetryGrace:       config.RetryGrace,
		OperationTimeout: config.OperationTimeout,
		SelectServer:     config.SelectServer,
		Logger:           logger,
	})

	c := &Client{
		config:    config,
		logger:    logger,
		streamer:  streamer,
		registry:  registry,
		router:    router,
		stats:     router.stats,
		applyDone: make(chan struct{}),
	}

	maps, cancel := streamer.Subscribe()
	c.cancelSubscription = cancel
	go c.applyMaps(maps)

	streamer.Start(context.WithoutCancel(ctx))

	m, err := streamer.WaitNewer(ctx, nil, config.ConnectTimeout)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: no cluster map for bucket %q: %w", ErrNodeUnavailable, config.Bucket, err)
	}

	logger.Info("client ready", "client_id", clientID, "rev", m.Revision(), "mode", m.Mode().String(), "nodes", len(m.Nodes()))
	return c, nil
}

func (c *Client) applyMaps(maps <-chan *topology.ShardMap) {
	defer close(c.applyDone)
	for m := range maps {
		c.registry.Apply(m)
	}
}

// Close stops following the cluster map and closes every connection.
// Pending operations fail.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancelSubscription()
		_ = c.streamer.Close()
		<-c.applyDone
		c.registry.Close()
	})
}

// Get retrieves a single item. A missing key is not an error: the returned
// item has Found false.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	if err := checkKey(key); err != nil {
		return Item{}, c.opError(frame.OpGet, key, err)
	}

	res, err := c.router.Execute(ctx, Operation{Opcode: frame.OpGet, Key: []byte(key)})
	return c.itemFromResult(key, res, err)
}

// GetAndTouch retrieves an item and updates its TTL.
func (c *Client) GetAndTouch(ctx context.Context, key string, ttl time.Duration) (Item, error) {
	if err := checkKey(key); err != nil {
		return Item{}, c.opError(frame.OpGetAndTouch, key, err)
	}

	res, err := c.router.Execute(ctx, Operation{
		Opcode: frame.OpGetAndTouch,
		Key:    []byte(key),
		Extras: frame.TouchExtras(expiry(ttl)),
	})
	item, err := c.itemFromResult(key, res, err)
	if item.Found {
		item.TTL = ttl
	}
	return item, err
}

func (c *Client) itemFromResult(key string, res Result, err error) (Item, error) {
	if errors.Is(err, ErrKeyNotFound) {
		c.stats.recordGet(false)
		return Item{Key: key, Found: false}, nil
	}
	if err != nil {
		c.stats.recordError(err)
		return Item{}, err
	}

	flags, err := frame.ParseGetExtras(res.Frame.Extras)
	if err != nil {
		c.stats.recordError(err)
		return Item{}, err
	}

	c.stats.recordGet(true)
	return Item{
		Key:   key,
		Value: res.Frame.Value,
		Flags: flags,
		CAS:   res.Frame.CAS,
		Found: true,
	}, nil
}

// Set stores an item. A non-zero item.CAS makes the write conditional:
// it fails with ErrKeyExists if the item changed.
// It returns the CAS of the stored item.
func (c *Client) Set(ctx context.Context, item Item) (uint64, error) {
	cas, err := c.store(ctx, frame.OpSet, item)
	if err == nil {
		c.stats.recordSet()
	}
	return cas, err
}

// Add stores an item only if the key does not exist.
// It fails with ErrKeyExists otherwise.
func (c *Client) Add(ctx context.Context, item Item) (uint64, error) {
	item.CAS = 0
	cas, err := c.store(ctx, frame.OpAdd, item)
	if err == nil {
		c.stats.recordAdd()
	}
	return cas, err
}

// Replace stores an item only if the key exists.
// It fails with ErrKeyNotFound otherwise.
func (c *Client) Replace(ctx context.Context, item Item) (uint64, error) {
	cas, err := c.store(ctx, frame.OpReplace, item)
	if err == nil {
		c.stats.recordReplace()
	}
	return cas, err
}

func (c *Client) store(ctx context.Context, op frame.Opcode, item Item) (uint64, error) {
	if err := checkKey(item.Key); err != nil {
		return 0, c.opError(op, item.Key, err)
	}

	res, err := c.router.Execute(ctx, Operation{
		Opcode: op,
		Key:    []byte(item.Key),
		Extras: frame.SetExtras(item.Flags, expiry(item.TTL)),
		Value:  item.Value,
		CAS:    item.CAS,
	})
	if err != nil {
		c.stats.recordError(err)
		return 0, err
	}
	return res.Frame.CAS, nil
}

// Remove deletes an item. A non-zero cas makes the delete conditional.
// A missing key fails with ErrKeyNotFound.
func (c *Client) Remove(ctx context.Context, key string, cas uint64) error {
	if err := checkKey(key); err != nil {
		return c.opError(frame.OpDelete, key, err)
	}

	_, err := c.router.Execute(ctx, Operation{Opcode: frame.OpDelete, Key: []byte(key), CAS: cas})
	if err != nil {
		c.stats.recordError(err)
		return err
	}
	c.stats.recordDelete()
	return nil
}

// Increment adds opts.Delta to a counter and returns the new value.
// A missing counter is created with opts.Initial unless opts.NoCreate is set.
func (c *Client) Increment(ctx context.Context, key string, opts CounterOptions) (uint64, error) {
	return c.counter(ctx, frame.OpIncrement, key, opts)
}

// Decrement subtracts opts.Delta from a counter and returns the new value.
// Counters never go below zero.
func (c *Client) Decrement(ctx context.Context, key string, opts CounterOptions) (uint64, error) {
	return c.counter(ctx, frame.OpDecrement, key, opts)
}

func (c *Client) counter(ctx context.Context, op frame.Opcode, key string, opts CounterOptions) (uint64, error) {
	if err := checkKey(key); err != nil {
		return 0, c.opError(op, key, err)
	}

	delta := opts.Delta
	if delta == 0 {
		delta = 1
	}
	exp := expiry(opts.TTL)
	if opts.NoCreate {
		exp = frame.NoCreateExpiry
	}

	res, err := c.router.Execute(ctx, Operation{
		Opcode: op,
		Key:    []byte(key),
		Extras: frame.CounterExtras(delta, opts.Initial, exp),
	})
	if err != nil {
		c.stats.recordError(err)
		return 0, err
	}

	value, err := frame.ParseCounterValue(res.Frame.Value)
	if err != nil {
		c.stats.recordError(err)
		return 0, &OperationError{Op: op, Key: key, Node: res.Node, Attempts: res.Attempts, Err: ErrServerStatus, Cause: err}
	}

	c.stats.recordCounter()
	return value, nil
}

// Append adds value at the end of an existing item.
func (c *Client) Append(ctx context.Context, key string, value []byte) error {
	return c.concat(ctx, frame.OpAppend, key, value)
}

// Prepend adds value at the start of an existing item.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) error {
	return c.concat(ctx, frame.OpPrepend, key, value)
}

func (c *Client) concat(ctx context.Context, op frame.Opcode, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return c.opError(op, key, err)
	}

	_, err := c.router.Execute(ctx, Operation{Opcode: op, Key: []byte(key), Value: value})
	if err != nil {
		c.stats.recordError(err)
		return err
	}
	c.stats.recordAppend()
	return nil
}

// Touch updates the TTL of an item.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return c.opError(frame.OpTouch, key, err)
	}

	_, err := c.router.Execute(ctx, Operation{
		Opcode: frame.OpTouch,
		Key:    []byte(key),
		Extras: frame.TouchExtras(expiry(ttl)),
	})
	if err != nil {
		c.stats.recordError(err)
		return err
	}
	c.stats.recordTouch()
	return nil
}

// MultiGet retrieves several items concurrently, one goroutine per node.
// Missing keys are returned with Found false. The first error cancels the
// remaining lookups.
func (c *Client) MultiGet(ctx context.Context, keys []string) (map[string]Item, error) {
	groups := c.groupByNode(keys)

	var mu sync.Mutex
	items := make(map[string]Item, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			for _, key := range group {
				item, err := c.Get(ctx, key)
				if err != nil {
					return err
				}
				mu.Lock()
				items[key] = item
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// groupByNode splits keys by owning node on the current map. Keys whose
// owner cannot be resolved go into their own group.
func (c *Client) groupByNode(keys []string) [][]string {
	m := c.streamer.Current()
	if m == nil {
		return [][]string{keys}
	}

	index := make(map[string]int)
	var groups [][]string
	for _, key := range keys {
		node, _, ok := c.router.route(m, []byte(key))
		id := node.StableID
		if !ok {
			id = ""
		}
		i, seen := index[id]
		if !seen {
			i = len(groups)
			index[id] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], key)
	}
	return groups
}

// Ping sends a NOOP on the idle transports of every connected node.
func (c *Client) Ping(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, nc := range c.registry.Connected() {
		g.Go(func() error {
			if err := nc.ping(ctx); err != nil {
				return &OperationError{Op: frame.OpNoop, Node: nc.Node(), Err: ErrNodeUnavailable, Cause: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// NodeStats returns stats for every connected node.
func (c *Client) NodeStats() []NodeStats {
	return c.registry.Nodes()
}

// RegistryStats returns the node registry counters.
func (c *Client) RegistryStats() RegistryStats {
	return c.registry.Stats()
}

// TopologyStats returns the cluster map streamer counters.
func (c *Client) TopologyStats() topology.StreamerStats {
	return c.streamer.Stats()
}

// ClusterMap returns the current cluster map.
func (c *Client) ClusterMap() *topology.ShardMap {
	return c.streamer.Current()
}

func (c *Client) opError(op frame.Opcode, key string, err error) error {
	c.stats.recordError(err)
	return &OperationError{Op: op, Key: key, Err: err}
}

func checkKey(key string) error {
	if key == "" || len(key) > frame.MaxKeyLen {
		return ErrInvalidKey
	}
	return nil
}

// expiry converts a TTL to the protocol's expiry field.
func expiry(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > relativeExpiryLimit {
		return uint32(time.Now().Add(ttl).Unix())
	}
	secs := uint32(ttl / time.Second)
	if secs == 0 {
		// sub-second TTLs would mean no expiry
		secs = 1
	}
	return secs
}
