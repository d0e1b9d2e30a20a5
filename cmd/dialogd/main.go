// Command dialogd hosts the dialog core behind a real sipgo SIP transport:
// it classifies incoming requests and replies into engine.DialogEngine calls
// and exposes the RPC control surface, grounded on
// services/signaling/app.SwitchBoard and cmd/signaling/main.go's wiring
// style.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialogcore/internal/banner"
	"github.com/sebas/dialogcore/internal/config"
	"github.com/sebas/dialogcore/internal/engine"
	"github.com/sebas/dialogcore/internal/events"
	"github.com/sebas/dialogcore/internal/logger"
	"github.com/sebas/dialogcore/internal/persistence"
	"github.com/sebas/dialogcore/internal/rpcapi"
	"github.com/sebas/dialogcore/internal/transaction"
)

// daemon bundles the sipgo transport with the dialog engine it feeds,
// mirroring the shape of services/signaling/app.SwitchBoard.
type daemon struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	cfg    *config.Config
	engine *engine.DialogEngine
	rpc    *rpcapi.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	selfURI := sip.Uri{Scheme: "sip", User: "dialogd", Host: cfg.AdvertiseAddr, Port: cfg.Port}

	txEngine := transaction.NewSipgoEngine(client)
	driver := persistence.NewMemDriver()
	pub := events.NewLoggingPublisher(slog.Default())

	eng, err := engine.New(cfg, txEngine, driver, pub, selfURI)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create dialog engine: %w", err)
	}

	rpc := rpcapi.NewServer(cfg.RPCBindAddr, eng.Table(), eng.Ring(), eng.Profiles())

	d := &daemon{ua: ua, srv: srv, client: client, cfg: cfg, engine: eng, rpc: rpc}

	srv.OnRequest(sip.INVITE, d.handleInitial)
	srv.OnRequest(sip.SUBSCRIBE, d.handleInitial)
	srv.OnRequest(sip.ACK, d.handleSequential)
	srv.OnRequest(sip.BYE, d.handleSequential)
	srv.OnRequest(sip.INFO, d.handleSequential)
	srv.OnRequest(sip.UPDATE, d.handleSequential)

	return d, nil
}

// handleInitial implements spec.md §6 on_request_in for a dialog-forming
// method: classify, track, and acknowledge with a 100 Trying so the
// transaction layer does not retransmit while the rest of the call flow
// (actual forwarding) happens outside the dialog core's scope.
func (d *daemon) handleInitial(req *sip.Request, tx sip.ServerTransaction) {
	dlg, created, err := d.engine.OnRequestIn(req)
	if err != nil {
		slog.Error("[dialogd] on_request_in failed", "method", req.Method, "error", err)
		respond(tx, req, 500, "Server Internal Error")
		return
	}

	slog.Debug("[dialogd] request tracked", "method", req.Method, "call_id", dlg.CallID, "created", created)
	respond(tx, req, 100, "Trying")
}

// handleSequential implements spec.md §6 on_routed for an in-dialog
// request: extract the owning dialog (by Record-Route parameter or
// Call-ID/tag fallback) and drive its transition.
func (d *daemon) handleSequential(req *sip.Request, tx sip.ServerTransaction) {
	dlg, _, err := d.engine.OnRequestIn(req)
	if err != nil {
		slog.Debug("[dialogd] sequential request matched no dialog", "method", req.Method, "error", err)
		respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	if err := d.engine.OnRouted(req, dlg); err != nil {
		slog.Warn("[dialogd] on_routed failed", "method", req.Method, "call_id", dlg.CallID, "error", err)
	}

	if req.Method != sip.ACK {
		respond(tx, req, 200, "OK")
	}
}

func respond(tx sip.ServerTransaction, req *sip.Request, status int, reason string) {
	res := sip.NewResponse(status, reason)
	res.SipVersion = req.SipVersion
	if h, ok := req.From(); ok {
		res.AppendHeader(h)
	}
	if h, ok := req.To(); ok {
		res.AppendHeader(h)
	}
	if h, ok := req.CallID(); ok {
		res.AppendHeader(h)
	}
	if h, ok := req.CSeq(); ok {
		res.AppendHeader(h)
	}
	if err := tx.Respond(res); err != nil {
		slog.Error("[dialogd] failed to send response", "status", status, "error", err)
	}
}

func (d *daemon) Start(ctx context.Context) error {
	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dialog engine: %w", err)
	}
	if err := d.rpc.Start(); err != nil {
		return fmt.Errorf("failed to start RPC control surface: %w", err)
	}

	listenAddr := fmt.Sprintf("%s:%d", d.cfg.BindAddr, d.cfg.Port)
	slog.Info("[dialogd] starting SIP listener", "addr", listenAddr)
	return d.srv.ListenAndServe(ctx, "udp", listenAddr)
}

func (d *daemon) Close() {
	if err := d.engine.Stop(context.Background()); err != nil {
		slog.Warn("[dialogd] engine stop reported an error", "error", err)
	}
	if err := d.rpc.Stop(); err != nil {
		slog.Warn("[dialogd] rpc stop reported an error", "error", err)
	}
	if d.ua != nil {
		d.ua.Close()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger.Init()
	logger.SetLevel(cfg.LogLevel)

	banner.Print("dialogd", []banner.ConfigLine{
		{Label: "SIP listen", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "RPC bind", Value: cfg.RPCBindAddr},
		{Label: "Hash size", Value: fmt.Sprintf("%d", cfg.HashSize)},
		{Label: "DB mode", Value: string(cfg.DBMode)},
		{Label: "Sequential match", Value: string(cfg.SequentialMatchMode)},
	})

	d, err := newDaemon(cfg)
	if err != nil {
		slog.Error("failed to create dialogd", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	run(d, cfg)
}

func run(d *daemon, cfg *config.Config) {
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := d.Start(ctx); err != nil {
			slog.Error("[dialogd] server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[dialogd] received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(500 * time.Millisecond)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("[dialogd] network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
