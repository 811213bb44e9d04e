package couchkv

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pior/couchkv/frame"
)

// Authenticator authenticates a fresh connection. Credentials are opaque to
// the rest of the client.
type Authenticator interface {
	Authenticate(ctx context.Context, conn *Connection) error
}

// PlainAuthenticator performs SASL PLAIN in a single round trip.
type PlainAuthenticator struct {
	Username string
	Password string
}

func (a PlainAuthenticator) Authenticate(ctx context.Context, conn *Connection) error {
	payload := make([]byte, 0, len(a.Username)+len(a.Password)+2)
	payload = append(payload, 0)
	payload = append(payload, a.Username...)
	payload = append(payload, 0)
	payload = append(payload, a.Password...)

	f, err := conn.RoundTrip(ctx, &frame.Request{
		Opcode: frame.OpSASLAuth,
		Key:    []byte("PLAIN"),
		Value:  payload,
	})
	if err != nil {
		return err
	}
	if f.Status != frame.StatusSuccess {
		return fmt.Errorf("%w: %w", ErrAuthentication, &statusError{op: frame.OpSASLAuth, status: f.Status, msg: string(f.Value)})
	}
	return nil
}

var helloFeatures = []uint16{frame.FeatureTCPNoDelay, frame.FeatureXError, frame.FeatureSelectBucket}

type helloAgent struct {
	Agent        string `json:"a"`
	ConnectionID string `json:"i"`
}

// handshake runs HELLO, authentication and SELECT_BUCKET on a new connection.
func handshake(ctx context.Context, conn *Connection, cfg handshakeConfig) error {
	agent, err := json.Marshal(helloAgent{
		Agent:        cfg.agent,
		ConnectionID: cfg.clientID + "/" + uuid.NewString()[:16],
	})
	if err != nil {
		return err
	}

	f, err := conn.RoundTrip(ctx, &frame.Request{
		Opcode: frame.OpHello,
		Key:    agent,
		Value:  frame.HelloValue(helloFeatures...),
	})
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if f.Status != frame.StatusSuccess {
		return &statusError{op: frame.OpHello, status: f.Status}
	}
	if _, err := frame.ParseHelloFeatures(f.Value); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if cfg.auth != nil {
		if err := cfg.auth.Authenticate(ctx, conn); err != nil {
			return err
		}
	}

	if cfg.bucket != "" {
		f, err := conn.RoundTrip(ctx, &frame.Request{
			Opcode: frame.OpSelectBucket,
			Key:    []byte(cfg.bucket),
		})
		if err != nil {
			return fmt.Errorf("select bucket: %w", err)
		}
		if f.Status != frame.StatusSuccess {
			se := &statusError{op: frame.OpSelectBucket, status: f.Status}
			if statusKind(f.Status) == ErrAuthentication {
				return fmt.Errorf("%w: %w", ErrAuthentication, se)
			}
			return se
		}
	}

	return nil
}

type handshakeConfig struct {
	agent    string
	clientID string
	bucket   string
	auth     Authenticator
}
