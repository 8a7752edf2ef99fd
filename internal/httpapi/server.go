// Package httpapi is fleetguard's HTTP surface: remediation, fleet
// rollouts, incidents and the /ops endpoints driven by the poller.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/msageha/fleetguard/internal/fleet"
	"github.com/msageha/fleetguard/internal/incident"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/remediation"
	"github.com/msageha/fleetguard/internal/store"
)

type Deps struct {
	Remediation *remediation.Engine
	Incidents   *incident.Engine
	Planner     *fleet.Planner
	Hosts       store.HostDirectory
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Server      model.ServerConfig
	// AutoDrain drains the queue inline after an admitted execute request.
	AutoDrain  bool
	DrainLimit int
}

type Server struct {
	remed      *remediation.Engine
	incidents  *incident.Engine
	planner    *fleet.Planner
	hosts      store.HostDirectory
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opsToken   string
	opsLimiter *rate.Limiter
	autoDrain  bool
	drainLimit int
	validate   *validator.Validate
}

func New(d Deps) *Server {
	s := &Server{
		remed:      d.Remediation,
		incidents:  d.Incidents,
		planner:    d.Planner,
		hosts:      d.Hosts,
		metrics:    d.Metrics,
		logger:     d.Logger,
		opsToken:   d.Server.OpsToken,
		autoDrain:  d.AutoDrain,
		drainLimit: d.DrainLimit,
		validate:   validator.New(),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("component", "httpapi")
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.planner == nil && s.hosts != nil {
		s.planner = fleet.NewPlanner(s.hosts)
	}
	if d.Server.OpsRatePerSec > 0 {
		burst := d.Server.OpsBurst
		if burst < 1 {
			burst = 1
		}
		s.opsLimiter = rate.NewLimiter(rate.Limit(d.Server.OpsRatePerSec), burst)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, s.recoverMiddleware, s.instrumentMiddleware, actorMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/remediate", func(r chi.Router) {
		r.Post("/", s.remediate)
		r.Get("/runs", s.listRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Use(s.idParamMiddleware(model.IDTypeRun))
			r.Get("/", s.getRun)
			r.Post("/approve", s.approveRun)
			r.Post("/reject", s.rejectRun)
			r.Post("/cancel", s.cancelRun)
		})
	})

	r.Route("/fleet", func(r chi.Router) {
		r.Post("/rollout-plan", s.rolloutPlan)
		r.Post("/rollout-execute", s.rolloutExecute)
		r.Patch("/hosts/{id}/policy", s.patchHostPolicy)
	})

	r.Route("/incidents", func(r chi.Router) {
		r.Post("/", s.createIncident)
		r.Get("/", s.listIncidents)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(s.idParamMiddleware(model.IDTypeIncident))
			r.Get("/", s.getIncident)
			r.Post("/assign", s.assignIncident)
			r.Post("/acknowledge", s.acknowledgeIncident)
			r.Post("/resolve", s.resolveIncident)
			r.Post("/close", s.closeIncident)
			r.Post("/reopen", s.reopenIncident)
			r.Post("/note", s.noteIncident)
			r.Post("/postmortem", s.postmortemIncident)
			r.Post("/steps/{stepId}/execute", s.executeStep)
		})
	})

	r.Route("/ops", func(r chi.Router) {
		r.Use(s.opsAuthMiddleware, s.opsRateMiddleware)
		r.Post("/remediate-drain", s.opsDrain)
		r.Post("/remediate-replay", s.opsReplay)
		r.Post("/incident-escalation-sweep", s.opsSweep)
	})
	return r
}
