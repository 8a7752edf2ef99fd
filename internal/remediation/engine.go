// Package remediation admits, drains, retries and replays remediation runs.
//
// The engine keeps no scheduler state of its own. Every operation reads the
// run rows it needs and writes them back with a compare-and-set on
// (state, rev), so concurrent drains in one or many processes never execute
// a run twice.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/executor"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/policy"
	"github.com/msageha/fleetguard/internal/store"
)

// Catalog is the read-only set of remediation actions.
type Catalog struct {
	byID  map[string]model.RemediationAction
	order []string
}

func NewCatalog(actions []model.RemediationAction) *Catalog {
	c := &Catalog{byID: make(map[string]model.RemediationAction, len(actions))}
	for _, a := range actions {
		if _, dup := c.byID[a.ID]; !dup {
			c.order = append(c.order, a.ID)
		}
		c.byID[a.ID] = a
	}
	sort.Strings(c.order)
	return c
}

func (c *Catalog) Get(id string) (model.RemediationAction, bool) {
	a, ok := c.byID[id]
	return a, ok
}

// List returns every action sorted by ID.
func (c *Catalog) List() []model.RemediationAction {
	out := make([]model.RemediationAction, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Deps are the engine's collaborators. Bus, Metrics, Tracer and Now are
// optional.
type Deps struct {
	Runs     store.RunStore
	Hosts    store.HostDirectory
	Audit    store.AuditSink
	Executor executor.Executor
	Policy   *policy.Source
	Actions  []model.RemediationAction
	Bus      events.Publisher
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
	// DrainLimit is used when Drain is called with a limit of zero.
	DrainLimit int
}

// Engine owns the remediation run lifecycle.
type Engine struct {
	runs       store.RunStore
	hosts      store.HostDirectory
	audit      store.AuditSink
	exec       executor.Executor
	policy     *policy.Source
	catalog    atomic.Pointer[Catalog]
	bus        events.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	drainLimit int

	// admitMu makes gate checks and run creation one step so concurrent
	// admissions cannot overrun the queue caps.
	admitMu sync.Mutex
}

// NewEngine creates a new Engine.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		runs:       d.Runs,
		hosts:      d.Hosts,
		audit:      d.Audit,
		exec:       d.Executor,
		policy:     d.Policy,
		bus:        d.Bus,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
		logger:     d.Logger,
		now:        d.Now,
		drainLimit: d.DrainLimit,
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("fleetguard/remediation")
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.logger = e.logger.With("component", "remediation")
	if e.now == nil {
		e.now = time.Now
	}
	if e.drainLimit <= 0 {
		e.drainLimit = 10
	}
	e.catalog.Store(NewCatalog(d.Actions))
	return e
}

// Catalog returns the current action catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog.Load() }

// SetActions swaps the catalog. Runs already queued resolve their action
// by ID at drain time.
func (e *Engine) SetActions(actions []model.RemediationAction) {
	e.catalog.Store(NewCatalog(actions))
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

func (e *Engine) publish(t events.EventType, data map[string]any) {
	if e.bus != nil {
		e.bus.Publish(t, data)
	}
}

func (e *Engine) recordAudit(ctx context.Context, kind string, run *model.RemediationRun, actor string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	entry := model.AuditEntry{
		ID:          model.NewID(model.IDTypeAudit),
		Ts:          e.clock(),
		Kind:        kind,
		RunID:       run.ID,
		HostID:      run.HostID,
		ActorUserID: actor,
		Detail:      detail,
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("audit append failed", "kind", kind, "run", run.ID, "error", err)
	}
}

func (e *Engine) lookupHost(ctx context.Context, id string) (*model.Host, error) {
	h, err := e.hosts.GetHost(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(CodeUnknownHost, "host %q is not registered", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", id, err)
	}
	return h, nil
}

func (e *Engine) lookupAction(id string) (model.RemediationAction, error) {
	a, ok := e.Catalog().Get(id)
	if !ok {
		return a, reject(CodeUnknownAction, "action %q is not in the catalog", id)
	}
	return a, nil
}

// GetRun returns one run.
func (e *Engine) GetRun(ctx context.Context, id string) (*model.RemediationRun, error) {
	return e.runs.GetRun(ctx, id)
}

// ListRuns returns runs matching f, newest first unless f says otherwise.
func (e *Engine) ListRuns(ctx context.Context, f store.RunFilter) ([]*model.RemediationRun, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.runs.ListRuns(ctx, f)
}
