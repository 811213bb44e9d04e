package couchkv

import (
	"log/slog"
	"time"

	"github.com/pior/couchkv/topology"
)

// Version is reported to the server in HELLO.
const Version = "0.1.0"

const (
	DefaultKVConnections    int32 = 1
	DefaultConnectTimeout         = 5 * time.Second
	DefaultOperationTimeout       = 2500 * time.Millisecond
	DefaultRetryGrace             = 500 * time.Millisecond
	DefaultMaxAttempts            = 10
	DefaultDrainTimeout           = 2 * time.Second
)

// Config holds the configuration of a Client. Zero values select the
// defaults.
type Config struct {
	// Bucket is the bucket to open.
	// Required.
	Bucket string

	// Bootstrap lists management endpoints (host:port) used to fetch the
	// cluster map. Once a map is known, its nodes are used instead.
	// Required.
	Bootstrap []string

	// Username and Password authenticate the config stream and, unless
	// Authenticator is set, every data connection with SASL PLAIN.
	Username string
	Password string

	// ConfigSource opens the streaming cluster map feed.
	// If nil, an HTTP source with Username and Password is used.
	ConfigSource topology.ConfigSource

	// Authenticator authenticates data connections.
	Authenticator Authenticator

	// Dialer opens data connections. If nil, a net.Dialer is used.
	Dialer Dialer

	// KVConnections is the number of transports per node. Default 1.
	KVConnections int32

	// ConnectTimeout bounds a node connect and the wait for the first
	// cluster map. Default 5s.
	ConnectTimeout time.Duration

	// OperationTimeout applies to operations whose context has no deadline.
	// It covers every retry. Default 2.5s.
	OperationTimeout time.Duration

	// RetryGrace is how long a retry waits for a newer cluster map.
	// Default 500ms.
	RetryGrace time.Duration

	// MaxAttempts bounds the sends of one operation. Default 10.
	MaxAttempts int

	// DrainTimeout bounds how long a node leaving the cluster waits for its
	// in-flight requests. Default 2s.
	DrainTimeout time.Duration

	// MaxMalformedDocs is the number of consecutive malformed cluster maps
	// tolerated before the config stream is reopened. Default 3.
	MaxMalformedDocs int

	// HealthCheckInterval is how often idle transports are checked.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// MaxConnLifetime is the maximum duration a transport can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a transport can be idle.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// Pool is the transport pool factory.
	// If nil, uses the channel-based pool. Alternative: couchkv.NewPuddlePool
	Pool PoolFactory

	// NewCircuitBreaker creates a circuit breaker for a node.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(nodeID string) CircuitBreaker

	// SelectServer picks the node of a key in shardless buckets.
	// If nil, uses DefaultServerSelector.
	SelectServer ServerSelector

	// Logger receives the client logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConfigSource == nil {
		c.ConfigSource = topology.NewHTTPSource(c.Username, c.Password)
	}
	if c.Authenticator == nil && c.Username != "" {
		c.Authenticator = PlainAuthenticator{Username: c.Username, Password: c.Password}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
