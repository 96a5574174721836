package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaycore/manager-relay/internal/config"
	"github.com/rs/zerolog/log"
)

// managerPath is where the manager control channel upgrades: a fixed,
// dedicated path, never negotiated at runtime.
const managerPath = "/__manager"

const dnsRefreshInterval = 5 * time.Minute

// Relay is the explicit, ambient-global-free value the Design Notes call
// for: every handler reaches the manager channel, connection registry, and
// pending-decision table only through this struct, constructed once at
// startup from config.Config.
type Relay struct {
	cfg *config.Config

	pending  *PendingTable
	registry *ConnectionRegistry
	manager  *Manager
	dialer   *Dialer
	metrics  *Metrics

	gate           *Gate
	httpHandler    *HTTPHandler
	connectHandler *ConnectHandler

	httpServer *http.Server
}

// New builds a Relay from cfg. Nothing is started yet; call Run.
func New(cfg *config.Config) *Relay {
	pending := NewPendingTable()
	registry := NewConnectionRegistry(cfg.MaxConnections)
	metrics := NewMetrics()
	manager := NewManager(pending, registry, cfg.DecisionTimeout, 1, metrics)
	dialer := NewDialer(dnsRefreshInterval)

	r := &Relay{
		cfg:      cfg,
		pending:  pending,
		registry: registry,
		manager:  manager,
		dialer:   dialer,
		metrics:  metrics,
	}

	r.gate = NewGate(managerPath, cfg.ManagerToken, manager)
	r.httpHandler = NewHTTPHandler(manager, dialer.Transport(), cfg.MaxBodyBytes, metrics)
	r.connectHandler = NewConnectHandler(manager, registry, dialer, cfg.ConnectMode, metrics)

	return r
}

// ApplyConfig swaps in a hot-reloaded config.Config, from the optional
// --watch-config path. Only the fields safe to change without tearing down
// live connections are applied: the manager token and the decision
// timeout.
func (r *Relay) ApplyConfig(cfg *config.Config) {
	r.gate.SetToken(cfg.ManagerToken)
	r.manager.SetDecisionTimeout(cfg.DecisionTimeout)
	log.Info().Msg("relay configuration hot-reloaded")
}

// Handler returns the relay's top-level http.Handler: CONNECT tunnels and
// the manager upgrade path are routed directly; everything else not naming
// an absolute URI is rejected, per the forward-proxy convention of only
// ever receiving absolute-URI request targets.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(r.route)
}

func (r *Relay) route(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.Method == http.MethodConnect:
		r.connectHandler.ServeHTTP(w, req)
	case req.URL.Path == managerPath:
		r.gate.ServeHTTP(w, req)
	case req.URL.IsAbs():
		r.httpHandler.ServeHTTP(w, req)
	default:
		http.Error(w, "proxy requires an absolute-URI request target", http.StatusBadRequest)
	}
}

// Run starts the proxy listener (and, if configured, the metrics listener)
// and blocks until ctx is canceled, then shuts both down gracefully.
func (r *Relay) Run(ctx context.Context) error {
	r.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", r.cfg.Port),
		Handler: r.Handler(),
		// CONNECT tunnels are long-lived; only header reads get a deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := r.metrics.Start(r.cfg.MetricsAddr); err != nil {
		return fmt.Errorf("starting metrics listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", r.cfg.Port).Str("connect_mode", string(r.cfg.ConnectMode)).Msg("relay listening")
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go r.sampleGauges(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.dialer.Close()
	r.metrics.Shutdown(shutdownCtx)
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down proxy listener: %w", err)
	}
	return <-errCh
}

const gaugeSampleInterval = 5 * time.Second

// sampleGauges periodically refreshes the registry-size and pending-count
// gauges until ctx is canceled. These are point-in-time samples, not
// updated on every registry or pending-table mutation.
func (r *Relay) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.metrics.SampleGauges(r.registry.Len(), r.pending.Len())
		}
	}
}
