package supervisor

import (
	"context"
	"log/slog"
	gosync "sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
	"github.com/stacklok/misp-secops-forwarder/internal/cursor"
	"github.com/stacklok/misp-secops-forwarder/internal/httpclient"
	"github.com/stacklok/misp-secops-forwarder/internal/misp"
	"github.com/stacklok/misp-secops-forwarder/internal/secops"
	"github.com/stacklok/misp-secops-forwarder/internal/status"
	pkgsync "github.com/stacklok/misp-secops-forwarder/internal/sync"
	"github.com/stacklok/misp-secops-forwarder/internal/sync/coordinator"
	"github.com/stacklok/misp-secops-forwarder/internal/telemetry"
)

// Runner is one loop instance together with its scheduler
type Runner interface {
	// Start blocks until the runner is stopped, ctx is cancelled or the test budget is spent
	Start(ctx context.Context) error
	// Stop interrupts the runner cooperatively and waits for Start to return
	Stop()
	// LoopState reports the state of the loop
	LoopState() pkgsync.State
}

type loopRunner struct {
	*coordinator.Coordinator
	loop *pkgsync.Loop
}

// NewRunner pairs a loop with the coordinator scheduling it
func NewRunner(loop *pkgsync.Loop, coord *coordinator.Coordinator) Runner {
	return &loopRunner{Coordinator: coord, loop: loop}
}

func (r *loopRunner) LoopState() pkgsync.State {
	return r.loop.State()
}

// LoopFactory builds loops from snapshots, with fresh MISP and SecOps clients for each.
// The cursor store, metrics and test budget are shared by every loop it builds.
type LoopFactory struct {
	Store   cursor.Store
	Metrics *telemetry.ForwarderMetrics
	Tracer  trace.Tracer
	Tracker *status.Tracker

	budgetOnce gosync.Once
	budget     *pkgsync.Budget
}

// Build implements Factory
func (f *LoopFactory) Build(ctx context.Context, cfg *config.Config) (Runner, error) {
	ts, err := secops.NewTokenSource(ctx, cfg.GoogleSACredential)
	if err != nil {
		return nil, err
	}
	ingester := secops.NewClient(cfg.EntityAPIURL, cfg.GoogleCustomerID, secops.NewAuthenticatedHTTPClient(ts))

	mispHTTP := httpclient.NewDefaultClient(httpclient.WithInsecureSkipVerify(!cfg.MISPVerifySSL))
	source := misp.NewClient(cfg.MISPURL, cfg.MISPAPIKey, mispHTTP)
	if !cfg.MISPVerifySSL {
		slog.Warn("TLS verification disabled for MISP", "url", cfg.MISPURL)
	}
	checkConnectivity(ctx, source, cfg.MISPURL)

	opts := []pkgsync.LoopOption{pkgsync.WithMetrics(f.Metrics), pkgsync.WithTracer(f.Tracer)}
	if cfg.TestMode {
		opts = append(opts, pkgsync.WithBudget(f.testBudget(cfg.MaxTestEvents)))
	}
	loop := pkgsync.NewLoop(cfg, source, ingester, f.Store, opts...)

	coordOpts := []coordinator.Option{coordinator.WithMetrics(f.Metrics)}
	if f.Tracker != nil {
		coordOpts = append(coordOpts, coordinator.WithObserver(f.Tracker.RecordCycle))
	}
	return NewRunner(loop, coordinator.New(loop, cfg.Interval(), coordOpts...)), nil
}

// testBudget returns the process-wide budget, created from the first test mode snapshot
func (f *LoopFactory) testBudget(limit int) *pkgsync.Budget {
	f.budgetOnce.Do(func() {
		f.budget = pkgsync.NewBudget(limit)
		slog.Info("Test mode enabled", "max_test_events", limit)
	})
	return f.budget
}

func checkConnectivity(ctx context.Context, source *misp.Client, url string) {
	version, err := source.Ping(ctx)
	if err != nil {
		slog.Warn("MISP connectivity check failed, will retry on every cycle", "url", url, "error", err)
		return
	}
	slog.Info("Connected to MISP", "url", url, "version", version)
}
