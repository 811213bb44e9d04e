package couchkv

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerState is the state of a node's circuit breaker.
type CircuitBreakerState = gobreaker.State

// CircuitBreaker guards the sends to one node. An open breaker fails sends
// with ErrNodeUnavailable without touching the network.
// *gobreaker.CircuitBreaker[*PendingResponse] implements it.
type CircuitBreaker interface {
	Execute(req func() (*PendingResponse, error)) (*PendingResponse, error)
	State() gobreaker.State
}

// NewCircuitBreakerConfig returns a function that creates circuit breakers for nodes.
// This is a helper for common use cases.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(nodeID string) CircuitBreaker {
	return func(nodeID string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        nodeID,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				// caller mistakes say nothing about the node
				if err == nil {
					return true
				}
				kind := kindOf(err)
				return kind == ErrInvalidKey || kind == ErrValueTooLarge
			},
		}
		return gobreaker.NewCircuitBreaker[*PendingResponse](settings)
	}
}

// isBreakerRejection reports whether err comes from an open or saturated breaker.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
