package routing

import (
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialogcore/internal/dialog"
)

func mustParseUri(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		t.Fatalf("ParseUri(%q) error = %v", s, err)
	}
	return uri
}

func TestBuildRouteHeaderCarriesIUIDParam(t *testing.T) {
	codec := NewRecordRouteCodec("")
	self := mustParseUri(t, "sip:proxy.example:5060")
	id := dialog.IUID{HashEntry: 3, HashID: 42}

	rr := codec.BuildRouteHeader(self, id)

	v, ok := rr.Address.UriParams.Get("did")
	if !ok || v != "3.42" {
		t.Errorf("did param = %q, %v, want 3.42, true", v, ok)
	}
	if _, ok := rr.Address.UriParams.Get("lr"); !ok {
		t.Errorf("lr param missing from self Record-Route")
	}
}

func TestExtractFindsParamOnTopRoute(t *testing.T) {
	codec := NewRecordRouteCodec("did")
	req := sip.NewRequest(sip.BYE, mustParseUri(t, "sip:bob@b.example"))

	routeURI := mustParseUri(t, "sip:proxy.example;lr")
	routeURI.UriParams = sip.NewParams()
	routeURI.UriParams.Add("did", "7.99")
	req.AppendHeader(&sip.RouteHeader{Address: routeURI})

	id, ok := codec.Extract(req)
	if !ok {
		t.Fatalf("Extract() ok = false, want true")
	}
	if id.HashEntry != 7 || id.HashID != 99 {
		t.Errorf("Extract() = %+v, want {7 99}", id)
	}
}

func TestExtractAbsentParamReturnsFalse(t *testing.T) {
	codec := NewRecordRouteCodec("did")
	req := sip.NewRequest(sip.BYE, mustParseUri(t, "sip:bob@b.example"))

	if _, ok := codec.Extract(req); ok {
		t.Errorf("Extract() ok = true, want false for a request with no Route")
	}
}

func TestDetectSpiralFindsParamAnywhereInRouteSet(t *testing.T) {
	codec := NewRecordRouteCodec("did")
	req := sip.NewRequest(sip.INVITE, mustParseUri(t, "sip:bob@b.example"))

	outerURI := mustParseUri(t, "sip:upstream.example;lr")
	innerURI := mustParseUri(t, "sip:proxy.example;lr")
	innerURI.UriParams = sip.NewParams()
	innerURI.UriParams.Add("did", "1.1")

	req.AppendHeader(&sip.RouteHeader{
		Address: outerURI,
		Next:    &sip.RouteHeader{Address: innerURI},
	})

	if !codec.DetectSpiral(req) {
		t.Errorf("DetectSpiral() = false, want true when our did param appears further down the Route set")
	}
}

func TestDetectSpiralFalseWhenAbsent(t *testing.T) {
	codec := NewRecordRouteCodec("did")
	req := sip.NewRequest(sip.INVITE, mustParseUri(t, "sip:bob@b.example"))
	req.AppendHeader(&sip.RouteHeader{Address: mustParseUri(t, "sip:upstream.example;lr")})

	if codec.DetectSpiral(req) {
		t.Errorf("DetectSpiral() = true, want false")
	}
}

func TestStripOwnRouteRemovesOnlyOwnHop(t *testing.T) {
	req := sip.NewRequest(sip.BYE, mustParseUri(t, "sip:bob@b.example"))

	ownURI := mustParseUri(t, "sip:proxy.example;lr")
	ownURI.UriParams = sip.NewParams()
	ownURI.UriParams.Add("did", "1.1")

	req.AppendHeader(&sip.RouteHeader{Address: ownURI})

	StripOwnRoute(req, "did")

	if _, ok := req.Route(); ok {
		t.Errorf("Route header still present after StripOwnRoute")
	}
}

func TestStripOwnRouteLeavesForeignRouteAlone(t *testing.T) {
	req := sip.NewRequest(sip.BYE, mustParseUri(t, "sip:bob@b.example"))
	req.AppendHeader(&sip.RouteHeader{Address: mustParseUri(t, "sip:upstream.example;lr")})

	StripOwnRoute(req, "did")

	if _, ok := req.Route(); !ok {
		t.Errorf("Route header removed even though it was not ours")
	}
}
