// Package transport defines the asynchronous request/response bus the
// consensus core is built on (spec.md §1: "RPC transport — a best-effort
// asynchronous request/response bus with per-call timeouts"). The core only
// ever programs against the Transport interface; internal/transport/memory
// and internal/transport/wsrpc are two concrete collaborators, one for
// tests and demos, one for a real multi-process cluster.
package transport

import (
	"context"
	"errors"

	"github.com/paxoscore/consensus/internal/membership"
)

// ErrTimeout is returned when a call's deadline elapses with no response.
var ErrTimeout = errors.New("transport: call timed out")

// ErrUnreachable is returned when the destination endpoint cannot be
// reached at all (connection refused, unknown peer, ...). The proposer and
// master treat it the same as a timeout: a refusal vote.
var ErrUnreachable = errors.New("transport: destination unreachable")

// Handler decodes and dispatches an inbound request for the given RPC
// method, returning the response payload to send back (or an error, which
// the transport turns into a failure response on the wire).
type Handler func(ctx context.Context, from membership.Endpoint, method string, payload any) (any, error)

// Transport is the asynchronous RPC bus every role consumes. Call is a
// single request/response round-trip bounded by ctx's deadline. Broadcast
// fans a request out to every peer and is used for Phase 1/2 and
// heartbeats; callers collect responses by reading off the returned
// channel until it is closed or their own quorum logic is satisfied.
type Transport interface {
	// Call sends a single request to one peer and waits for its response
	// or ctx's deadline, whichever comes first.
	Call(ctx context.Context, to membership.Endpoint, method string, req any) (any, error)

	// Broadcast sends a request to every peer in to concurrently, and
	// returns a channel of (peer, response, error) tuples that closes once
	// every peer has responded or ctx's deadline passes. Sends to a
	// delivered-but-dropped peer resolve to ErrTimeout on the channel, they
	// are never silently omitted: callers size their loop on len(to), not
	// on channel length.
	Broadcast(ctx context.Context, to []membership.Endpoint, method string, req any) <-chan Result

	// Send is fire-and-forget: no response is expected or waited for. Used
	// for Confirm broadcasts, where the Learner's pull-based recovery is
	// the authority for holes rather than delivery retries.
	Send(ctx context.Context, to membership.Endpoint, method string, req any) error

	// RegisterHandler installs the dispatcher invoked for inbound calls
	// addressed to this node. Each role registers its own method names at
	// construction time through the role registry.
	RegisterHandler(h Handler)

	// Self returns this transport's own endpoint. The Learner delivers its
	// own Confirm locally without going through the transport at all.
	Self() membership.Endpoint

	// Close releases the transport's resources (listeners, connections).
	Close() error
}

// Result is one peer's outcome from a Broadcast call.
type Result struct {
	From membership.Endpoint
	Resp any
	Err  error
}
