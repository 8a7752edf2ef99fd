package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/fleetguard/internal/fleet"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/remediation"
)

type rolloutExecuteRequest struct {
	fleet.RolloutRequest
	Wave          int    `json:"wave" validate:"gte=0"`
	ConfirmPhrase string `json:"confirmPhrase"`
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request, req fleet.RolloutRequest) (*fleet.RolloutPlan, bool) {
	if _, ok := s.remed.Catalog().Get(req.ActionID); !ok {
		s.fail(w, r, badRequest("action %q is not in the catalog", req.ActionID))
		return nil, false
	}
	plan, err := s.planner.Plan(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return plan, true
}

func (s *Server) rolloutPlan(w http.ResponseWriter, r *http.Request) {
	var req fleet.RolloutRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	plan, ok := s.plan(w, r, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// rolloutExecute re-plans from the request and submits one wave. Planning
// again keeps paused hosts and changed groups out of a stale plan.
func (s *Server) rolloutExecute(w http.ResponseWriter, r *http.Request) {
	var req rolloutExecuteRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	plan, ok := s.plan(w, r, req.RolloutRequest)
	if !ok {
		return
	}
	if req.Wave >= len(plan.Waves) {
		s.fail(w, r, badRequest("wave %d out of range (plan has %d)", req.Wave, len(plan.Waves)))
		return
	}
	res, err := s.remed.ExecuteWave(r.Context(), plan, req.Wave, remediation.WaveRequest{
		ConfirmPhrase: req.ConfirmPhrase, Actor: actorFromContext(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "plan": plan, "result": res})
}

func (s *Server) patchHostPolicy(w http.ResponseWriter, r *http.Request) {
	var patch fleet.PolicyPatch
	if err := s.decode(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	if patch.Empty() {
		s.fail(w, r, badRequest("policy patch changes nothing"))
		return
	}
	host, err := s.hosts.UpdateFleetPolicy(r.Context(), chi.URLParam(r, "id"), func(prev model.HostFleetPolicy) (model.HostFleetPolicy, error) {
		return fleet.MergePolicy(prev, patch), nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("host fleet policy updated", "host", host.ID, "actor", actorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, host)
}
