// Package routing binds the dialog core to the routing layer: encoding the
// dialog's IUID into an outbound Record-Route so a later in-dialog request
// can be matched back to its dialog without a table scan, and detecting
// spirals (a request that loops back through this same instance already
// carrying that parameter). Grounded on
// internal/signaling/routing/invite.go's header-construction style, adapted
// from sipgo's Uri/RouteHeader params to the dialog module's rr_param
// convention.
package routing

import (
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialogcore/internal/dialog"
)

// DefaultParamName is the Record-Route parameter name kamailio's dialog
// module calls rr_param, defaulting to "did".
const DefaultParamName = "did"

// RecordRouteCodec inserts and extracts the IUID carried on a
// self-Record-Route so subsequent in-dialog requests can be matched back to
// their dialog in O(1) instead of a (Call-ID, tags) scan. Replies are not
// matched through it.
type RecordRouteCodec struct {
	paramName string
}

// NewRecordRouteCodec constructs a codec using paramName, defaulting to
// DefaultParamName when empty.
func NewRecordRouteCodec(paramName string) *RecordRouteCodec {
	if paramName == "" {
		paramName = DefaultParamName
	}
	return &RecordRouteCodec{paramName: paramName}
}

// ParamName reports the configured parameter name.
func (c *RecordRouteCodec) ParamName() string {
	return c.paramName
}

// BuildRouteHeader constructs a Record-Route header for self, identified by
// selfURI, carrying id as this codec's IUID parameter plus "lr" for
// loose-routing per RFC 3261.
func (c *RecordRouteCodec) BuildRouteHeader(selfURI sip.Uri, id dialog.IUID) *sip.RecordRouteHeader {
	uri := selfURI
	uri.UriParams = sip.NewParams()
	uri.UriParams.Add("lr", "")
	uri.UriParams.Add(c.paramName, id.String())
	return &sip.RecordRouteHeader{Address: uri}
}

// Extract looks for this codec's parameter on req's topmost Route header (a
// loose router strips its own Route on forwarding, so by the time a
// sequential request reaches us our own prior Record-Route is what remains
// at the front) and parses it back into an IUID. ok is false when the
// parameter is absent, which is the normal case for sequential-match-mode
// "no-id" or for a request that never transited our Record-Route.
func (c *RecordRouteCodec) Extract(req *sip.Request) (id dialog.IUID, ok bool) {
	route, hasRoute := req.Route()
	if hasRoute {
		if v, found := route.Address.UriParams.Get(c.paramName); found {
			if parsed, err := dialog.ParseIUID(v); err == nil {
				return parsed, true
			}
		}
	}

	// Fall back to the Request-URI itself, in case a strict router left our
	// parameter there instead of stripping it into Route (RFC 3261 §16.4).
	if v, found := req.Recipient.UriParams.Get(c.paramName); found {
		if parsed, err := dialog.ParseIUID(v); err == nil {
			return parsed, true
		}
	}

	return dialog.IUID{}, false
}

// DetectSpiral reports whether req already carries our own parameter
// anywhere in its Route set, meaning it has looped back through this
// instance rather than arriving fresh (spec.md §4.A IFlagSpiralDetected).
func (c *RecordRouteCodec) DetectSpiral(req *sip.Request) bool {
	for _, h := range req.GetHeaders("Route") {
		route, isRoute := h.(*sip.RouteHeader)
		if !isRoute {
			continue
		}
		for hop := route; hop != nil; hop = hop.Next {
			if _, found := hop.Address.UriParams.Get(c.paramName); found {
				return true
			}
		}
	}
	return false
}

// SequentialMatchMode controls how an in-dialog request lacking our
// Record-Route parameter is matched back to a dialog, per spec.md's
// config.SequentialMatchMode.
type SequentialMatchMode = string

// StripOwnRoute removes this instance's own Route header from req before
// forwarding, matching a loose router's obligation not to relay its own
// routing hop downstream (RFC 3261 §16.12 step 6). keep-proxy-rr policy
// values above zero retain a limited number of additional proxy
// Record-Routes ahead of our own; that retention is the caller's
// responsibility since it depends on which hops are "ours" versus a
// separate upstream proxy's.
func StripOwnRoute(req *sip.Request, paramName string) {
	route, ok := req.Route()
	if !ok {
		return
	}
	if _, found := route.Address.UriParams.Get(paramName); !found {
		return
	}
	req.RemoveHeader("Route")
	if route.Next != nil {
		req.PrependHeader(route.Next)
	}
}
