// Package rpcapi implements the RPC control surface of spec.md §6.4: a
// net/http + encoding/json admin API over the Dialog Table, Timer Ring and
// Profile Index, grounded on services/signaling/api/server.go's
// http.ServeMux-based route table and handler style.
package rpcapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	types "github.com/sebas/dialogcore/api/types/v1"
	"github.com/sebas/dialogcore/internal/dialog"
	"github.com/sebas/dialogcore/internal/persistence"
	"github.com/sebas/dialogcore/internal/profile"
	"github.com/sebas/dialogcore/internal/table"
	"github.com/sebas/dialogcore/internal/timer"
)

// Server is the RPC control surface. Construct with NewServer.
type Server struct {
	addr       string
	httpServer *http.Server
	startTime  time.Time

	table    *table.Table
	ring     *timer.Ring[dialog.IUID]
	profiles *profile.Index
}

// NewServer builds a Server bound to the shared components it reports on
// and mutates. profiles may be nil if no profiles were declared at startup.
func NewServer(addr string, t *table.Table, ring *timer.Ring[dialog.IUID], profiles *profile.Index) *Server {
	s := &Server{
		addr:      addr,
		startTime: time.Now(),
		table:     t,
		ring:      ring,
		profiles:  profiles,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/dialogs", s.handleDialogs)
	mux.HandleFunc("/v1/dialogs/iuid/", s.handleDialogByIUIDEnd)
	mux.HandleFunc("/v1/dialogs/", s.handleDialogByCallID)
	mux.HandleFunc("/v1/profiles/", s.handleProfile)
	mux.HandleFunc("/v1/bridge", s.handleBridge)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening for HTTP requests in the background.
func (s *Server) Start() error {
	slog.Info("[rpcapi] starting RPC control surface", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[rpcapi] server error", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener immediately.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[rpcapi] failed to encode JSON", "error", err)
	}
}

// writeError maps a dialog.ErrorKind to the HTTP status of spec.md §7's
// "User-visible behavior", falling back to 500 for anything unclassified.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var derr *dialog.Error
	if e, ok := err.(*dialog.Error); ok {
		derr = e
	}
	if derr != nil {
		switch derr.Kind {
		case dialog.KindInvalid, dialog.KindConfiguration:
			status = http.StatusBadRequest
		case dialog.KindNotFound:
			status = http.StatusNotFound
		case dialog.KindConflict:
			status = http.StatusConflict
		case dialog.KindExhausted, dialog.KindDownstream:
			status = http.StatusInternalServerError
		}
	}
	http.Error(w, msg, status)
}

// --- Stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.table.Stats()
	s.writeJSON(w, types.StatsResponse{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Shards:        st.NShards,
		TotalDialogs:  st.TotalCount,
		MaxShard:      st.MaxShard,
		MinShard:      st.MinShard,
		TimerArmed:    s.ring.Len(),
	})
}

// --- Dialogs: list + match-by-field ---

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	matcher, err := parseMatch(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}

	records := make([]persistence.Record, 0)
	s.table.ForEach(func(d *dialog.Dialog) {
		rec := persistence.ToRecord(d)
		if matcher == nil || matcher.matches(rec) {
			records = append(records, rec)
		}
	})
	s.writeJSON(w, records)
}

// toDialogSummary narrows a full persistence.Record down to the lighter
// DialogSummary DTO used for the single-dialog detail view; the bulk list
// view keeps the full record so match-by-field filtering has every field
// to compare against.
func toDialogSummary(rec persistence.Record) types.DialogSummary {
	return types.DialogSummary{
		CallID:    rec.CallID,
		FromURI:   rec.FromURI,
		ToURI:     rec.ToURI,
		State:     rec.State,
		EndReason: rec.EndReason,
		Caller:    types.LegSummary{Tag: rec.Caller.Tag, Contact: rec.Caller.Contact, RouteSet: rec.Caller.RouteSet},
		Callee:    types.LegSummary{Tag: rec.Callee.Tag, Contact: rec.Callee.Contact, RouteSet: rec.Callee.RouteSet},
		Vars:      rec.Vars,
	}
}

// --- Dialogs: by Call-ID (GET / DELETE / PUT .../state) ---

func (s *Server) handleDialogByCallID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/dialogs/")
	if path == "" {
		http.Error(w, "call-id required", http.StatusBadRequest)
		return
	}

	setState := false
	if rest, ok := strings.CutSuffix(path, "/state"); ok {
		path = rest
		setState = true
	}

	callID, err := url.PathUnescape(path)
	if err != nil {
		http.Error(w, "invalid call-id encoding", http.StatusBadRequest)
		return
	}

	var d *dialog.Dialog
	var ok bool
	if fromTag := r.URL.Query().Get("from_tag"); fromTag != "" {
		d, _, ok = s.table.LookupByTags(callID, fromTag, r.URL.Query().Get("to_tag"))
	} else {
		d, ok = s.table.LookupByCallID(callID)
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch {
	case setState && r.Method == http.MethodPut:
		s.handleSetState(w, r, d)
	case !setState && r.Method == http.MethodGet:
		s.writeJSON(w, toDialogSummary(persistence.ToRecord(d)))
	case !setState && r.Method == http.MethodDelete:
		s.endDialog(w, r, d)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSetState implements spec.md §9 Open Question b: best-effort,
// logged state override, bypassing the ordinary monotone transition rules.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request, d *dialog.Dialog) {
	var req types.SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	next, ok := dialog.ParseState(req.State)
	if !ok {
		http.Error(w, "unknown state: "+req.State, http.StatusBadRequest)
		return
	}

	wasLegal := d.AdminForceState(next)
	if !wasLegal {
		slog.Warn("[rpcapi] forced dialog into a state outside the ordinary transition table",
			"call_id", d.CallID, "iuid", d.IUID.String(), "state", next.String())
	}
	if next.IsTerminal() {
		s.ring.Cancel(d.IUID)
	}
	s.writeJSON(w, types.SetStateResponse{Applied: true, Forced: !wasLegal, State: next.String()})
}

func (s *Server) endDialog(w http.ResponseWriter, r *http.Request, d *dialog.Dialog) {
	leg := dialog.LegCaller
	if r.URL.Query().Get("leg") == "callee" {
		leg = dialog.LegCallee
	}

	d.OnBye(nil, leg)
	if !d.State().IsTerminal() {
		d.AdminForceState(dialog.Deleted)
	}
	s.ring.Cancel(d.IUID)
	if s.profiles != nil {
		s.profiles.UnlinkDialog(d)
	}
	if s.table.Unlink(d) {
		d.Unref()
	}
	s.writeJSON(w, persistence.ToRecord(d))
}

// --- Dialogs: end by IUID ---

var iuidEndPath = regexp.MustCompile(`^/v1/dialogs/iuid/(\d+)/(\d+)/end$`)

func (s *Server) handleDialogByIUIDEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m := iuidEndPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	entry, _ := strconv.ParseUint(m[1], 10, 32)
	id, _ := strconv.ParseUint(m[2], 10, 64)
	iuid := dialog.IUID{HashEntry: uint32(entry), HashID: id}

	d, ok := s.table.LookupByIUID(iuid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.endDialog(w, r, d)
}

// --- Profiles ---

var profileDialogsPath = regexp.MustCompile(`^/v1/profiles/([^/]+)/dialogs$`)

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.profiles == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if m := profileDialogsPath.FindStringSubmatch(r.URL.Path); m != nil {
		s.handleProfileDialogs(w, r, m[1])
		return
	}

	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/v1/profiles/"))
	if err != nil || name == "" {
		http.Error(w, "profile name required", http.StatusBadRequest)
		return
	}

	p, ok := s.profiles.Get(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	value := r.URL.Query().Get("value")
	s.writeJSON(w, types.ProfileSizeResponse{Name: name, Size: p.Size(value)})
}

func (s *Server) handleProfileDialogs(w http.ResponseWriter, r *http.Request, name string) {
	p, ok := s.profiles.Get(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	out := make([]types.ProfileMember, 0)
	p.ForEach(func(d *dialog.Dialog, value string) {
		out = append(out, types.ProfileMember{CallID: d.CallID, IUID: d.IUID.String(), Value: value})
	})
	s.writeJSON(w, out)
}

// --- Bridge (stub) ---

// handleBridge records bridging intent only; media bridging is out of scope
// per spec.md §1, so this never touches an RTP/media layer.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.BridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	_, aOK := s.table.LookupByCallID(req.CallIDA)
	_, bOK := s.table.LookupByCallID(req.CallIDB)
	if !aOK || !bOK {
		http.Error(w, "one or both dialogs not found", http.StatusNotFound)
		return
	}

	slog.Info("[rpcapi] bridge intent recorded", "call_id_a", req.CallIDA, "call_id_b", req.CallIDB)
	s.writeJSON(w, types.BridgeResponse{Accepted: true, CallIDA: req.CallIDA, CallIDB: req.CallIDB})
}
