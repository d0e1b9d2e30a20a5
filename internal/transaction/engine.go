// Package transaction binds the dialog core to a SIP transaction engine.
// Engine is the interface named in spec.md §6 ("Outgoing interfaces");
// SipgoEngine is the concrete binding to github.com/emiago/sipgo, grounded
// on internal/signaling/dialog/manager.go's sendBYE/ConfirmWithACK style
// of driving sipgo's DialogServerSession/DialogClientSession.
package transaction

import (
	"context"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

// Method identifies the SIP method of an in-dialog request the engine is
// asked to send.
type Method string

const (
	MethodBye     Method = "BYE"
	MethodRefer   Method = "REFER"
	MethodOptions Method = "OPTIONS"
	MethodInfo    Method = "INFO"
	MethodUpdate  Method = "UPDATE"
)

// ReplyEvent is what SendRequestWithin's eventual response looks like to
// the core's on_reply handling (spec.md §6 on_reply). Status 0 with a
// non-nil Err means the transaction itself failed (timeout, transport
// error) rather than producing a SIP response.
type ReplyEvent struct {
	Status int
	Reason string
	Err    error
}

// Engine is the transaction-engine collaborator of spec.md §6.
// send_request_within is Engine.SendRequestWithin; the reply is delivered
// asynchronously on the returned channel so callers never block a shard
// or dialog lock on network I/O (spec.md §5 "core never blocks on I/O").
type Engine interface {
	// SendRequestWithin issues method in the context of d on behalf of
	// leg, with optional extra headers and body, returning a channel that
	// receives at most one ReplyEvent (the final response, or an Err event
	// on timeout) and is then closed. Provisional responses are not
	// delivered; a transaction that ends without a final response closes
	// the channel with no event.
	SendRequestWithin(ctx context.Context, d *dialog.Dialog, leg dialog.Leg, method Method, headers map[string]string, contentType string, body []byte) (<-chan ReplyEvent, error)

	// SendKeepalive issues an OPTIONS request toward leg for keepalive
	// purposes (spec.md §4.F "Maintenance loops" #2).
	SendKeepalive(ctx context.Context, d *dialog.Dialog, leg dialog.Leg) (<-chan ReplyEvent, error)
}

// options bundles the few SipgoEngine construction knobs that do not
// belong in the shared config.Config (those live alongside the sipgo
// client/UA the caller already constructed for the routing layer).
type options struct {
	requestTimeout time.Duration
}

// DefaultRequestTimeout bounds how long SendRequestWithin waits for a
// final response before synthesizing a downstream-failed ReplyEvent.
const DefaultRequestTimeout = 32 * time.Second // RFC 3261 Timer B

func defaultOptions() options {
	return options{requestTimeout: DefaultRequestTimeout}
}

// errDownstream wraps a transaction-layer failure as dialog's
// downstream-failed error kind, per spec.md §7's error taxonomy mapping
// for a rejected/failed transaction-engine send.
func errDownstream(op string, cause error) error {
	return dialog.NewError(dialog.KindDownstream, op, "transaction engine failed", cause)
}
