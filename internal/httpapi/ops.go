package httpapi

import (
	"net/http"
	"time"

	"github.com/msageha/fleetguard/internal/model"
)

// opsActor attributes /ops calls that carry no operator identity.
const opsActor = "ops"

type drainRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=100"`
}

type replayRequest struct {
	Mode  string `json:"mode" validate:"required,oneof=single dlq-batch"`
	RunID string `json:"runId" validate:"required_if=Mode single"`
	Limit int    `json:"limit" validate:"gte=0,lte=100"`
}

type sweepRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
	// Now overrides the sweep clock; only for replaying a past instant.
	Now *time.Time `json:"now"`
}

func (s *Server) opsDrain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.remed.Drain(r.Context(), req.Limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{OK: res.OK, Drained: res})
}

func (s *Server) opsReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	if actor == "" {
		actor = opsActor
	}
	if req.Mode == "single" {
		if err := model.CheckID(model.IDTypeRun, req.RunID); err != nil {
			s.fail(w, r, err)
			return
		}
		run, err := s.remed.Replay(r.Context(), req.RunID, actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, runResponse{OK: true, Run: run})
		return
	}
	res, err := s.remed.ReplayDeadLetters(r.Context(), req.Limit, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(res.Errors) == 0, "replay": res})
}

func (s *Server) opsSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var now time.Time
	if req.Now != nil {
		now = *req.Now
	}
	res, err := s.incidents.Sweep(r.Context(), req.Limit, now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(res.Errors) == 0, "sweep": res})
}
