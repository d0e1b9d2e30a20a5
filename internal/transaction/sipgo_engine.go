package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialogcore/internal/dialog"
)

// SipgoEngine binds the Engine interface to a real sipgo client, grounded
// on internal/signaling/dialog/manager.go's sendBYE: increment the local
// CSeq, build the request from the dialog's own leg state, send via
// TransactionRequest, and drain the resulting transaction's responses
// onto a channel rather than blocking the caller.
type SipgoEngine struct {
	client *sipgo.Client
	opts   options

	localCSeq atomic.Uint32
}

// NewSipgoEngine constructs an Engine bound to an already-configured
// sipgo client (the routing layer owns client/UA construction; this
// package only drives it).
func NewSipgoEngine(client *sipgo.Client) *SipgoEngine {
	e := &SipgoEngine{client: client, opts: defaultOptions()}
	e.localCSeq.Store(1)
	return e
}

func (e *SipgoEngine) nextCSeq() uint32 {
	return e.localCSeq.Add(1)
}

// recipientFor picks the Request-URI for an in-dialog request sent on
// behalf of leg: the opposite leg's Contact if we have one, falling back to
// its URI.
func recipientFor(d *dialog.Dialog, leg dialog.Leg) (sip.Uri, error) {
	other := otherLeg(leg)
	info := d.Leg(other)

	target := info.Contact
	if target == "" {
		if other == dialog.LegCallee {
			target = d.ToURI
		} else {
			target = d.FromURI
		}
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("transaction: parse recipient %q: %w", target, err)
	}
	return uri, nil
}

func otherLeg(leg dialog.Leg) dialog.Leg {
	if leg == dialog.LegCaller {
		return dialog.LegCallee
	}
	return dialog.LegCaller
}

func (e *SipgoEngine) buildRequest(d *dialog.Dialog, leg dialog.Leg, method sip.RequestMethod, headers map[string]string, contentType string, body []byte) (*sip.Request, error) {
	recipient, err := recipientFor(d, leg)
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(method, recipient)

	selfInfo := d.Leg(leg)
	otherInfo := d.Leg(otherLeg(leg))

	fromAddr, toAddr := uriOrFallback(d, leg), uriOrFallback(d, otherLeg(leg))

	fromHdr := &sip.FromHeader{Address: fromAddr, Params: sip.NewParams()}
	if selfInfo.Tag != "" {
		fromHdr.Params.Add("tag", selfInfo.Tag)
	}
	req.AppendHeader(fromHdr)

	toHdr := &sip.ToHeader{Address: toAddr, Params: sip.NewParams()}
	if otherInfo.Tag != "" {
		toHdr.Params.Add("tag", otherInfo.Tag)
	}
	req.AppendHeader(toHdr)

	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: e.nextCSeq(), MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	for _, route := range selfInfo.RouteSet {
		var routeURI sip.Uri
		if err := sip.ParseUri(route, &routeURI); err == nil {
			req.AppendHeader(&sip.RouteHeader{Address: routeURI})
		}
	}

	for k, v := range headers {
		req.AppendHeader(sip.NewHeader(k, v))
	}

	if len(body) > 0 {
		req.SetBody(body)
		if contentType != "" {
			ct := sip.ContentTypeHeader(contentType)
			req.AppendHeader(&ct)
		}
	}

	return req, nil
}

func uriOrFallback(d *dialog.Dialog, leg dialog.Leg) sip.Uri {
	raw := d.FromURI
	if leg == dialog.LegCallee {
		raw = d.ToURI
	}
	var uri sip.Uri
	_ = sip.ParseUri(raw, &uri)
	return uri
}

// SendRequestWithin implements Engine.SendRequestWithin (spec.md §6
// send_request_within).
func (e *SipgoEngine) SendRequestWithin(ctx context.Context, d *dialog.Dialog, leg dialog.Leg, method Method, headers map[string]string, contentType string, body []byte) (<-chan ReplyEvent, error) {
	req, err := e.buildRequest(d, leg, sip.RequestMethod(method), headers, contentType, body)
	if err != nil {
		return nil, errDownstream("send_request_within", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.requestTimeout)
	tx, err := e.client.TransactionRequest(sendCtx, req)
	if err != nil {
		cancel()
		logDownstreamFailure("send_request_within", d.CallID, err)
		return nil, errDownstream("send_request_within", err)
	}

	out := make(chan ReplyEvent, 1)
	go e.drainTransaction(sendCtx, cancel, tx, out)
	return out, nil
}

// SendKeepalive implements Engine.SendKeepalive by sending an in-dialog
// OPTIONS toward leg (spec.md §4.F maintenance loop #2).
func (e *SipgoEngine) SendKeepalive(ctx context.Context, d *dialog.Dialog, leg dialog.Leg) (<-chan ReplyEvent, error) {
	// SendRequestWithin addresses the opposite of the leg it is given, so
	// the request is sent on behalf of the other leg to reach leg itself.
	return e.SendRequestWithin(ctx, d, otherLeg(leg), MethodOptions, nil, "", nil)
}

func (e *SipgoEngine) drainTransaction(ctx context.Context, cancel context.CancelFunc, tx sip.ClientTransaction, out chan<- ReplyEvent) {
	defer cancel()
	defer close(out)

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			out <- ReplyEvent{Status: int(res.StatusCode), Reason: res.Reason}
			return
		case <-tx.Done():
			return
		case <-ctx.Done():
			out <- ReplyEvent{Err: ctx.Err()}
			return
		}
	}
}

func logDownstreamFailure(op, callID string, err error) {
	slog.Warn("[transaction] downstream failed", "op", op, "call_id", callID, "error", err)
}
