package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/remediation"
	"github.com/msageha/fleetguard/internal/store"
)

const (
	modePlan       = "plan"
	modeDryRun     = "dry-run"
	modeExecute    = "execute"
	modeDrainQueue = "drain-queue"
)

type remediateRequest struct {
	Mode          string `json:"mode" validate:"required,oneof=plan dry-run execute drain-queue"`
	HostID        string `json:"hostId" validate:"required_unless=Mode drain-queue"`
	ActionID      string `json:"actionId" validate:"required_if=Mode dry-run,required_if=Mode execute"`
	ConfirmPhrase string `json:"confirmPhrase"`
	Limit         int    `json:"limit" validate:"gte=0,lte=100"`
}

type runResponse struct {
	OK      bool                     `json:"ok"`
	Run     *model.RemediationRun    `json:"run"`
	Drained *remediation.DrainResult `json:"drained,omitempty"`
}

type drainResponse struct {
	OK      bool                    `json:"ok"`
	Drained remediation.DrainResult `json:"drained"`
}

func (s *Server) remediate(w http.ResponseWriter, r *http.Request) {
	var req remediateRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	actor := actorFromContext(ctx)
	switch req.Mode {
	case modePlan:
		plan, err := s.remed.Plan(ctx, req.HostID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	case modeDryRun:
		run, err := s.remed.DryRun(ctx, remediation.ExecuteRequest{HostID: req.HostID, ActionID: req.ActionID, Actor: actor})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, runResponse{OK: true, Run: run})
	case modeExecute:
		run, err := s.remed.Execute(ctx, remediation.ExecuteRequest{
			HostID: req.HostID, ActionID: req.ActionID, ConfirmPhrase: req.ConfirmPhrase, Actor: actor,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := runResponse{OK: true, Run: run}
		if s.autoDrain && run.Approval.Status != model.ApprovalPending {
			resp.Drained = s.inlineDrain(ctx, run)
		}
		writeJSON(w, http.StatusAccepted, resp)
	case modeDrainQueue:
		res, err := s.remed.Drain(ctx, req.Limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, drainResponse{OK: res.OK, Drained: res})
	}
}

// inlineDrain drains right after admission and returns the refreshed run in
// place. A drain failure is logged; the run stays queued for the poller.
func (s *Server) inlineDrain(ctx context.Context, run *model.RemediationRun) *remediation.DrainResult {
	res, err := s.remed.Drain(ctx, s.drainLimit)
	if err != nil {
		s.logger.Warn("inline drain failed", "run", run.ID, "error", err)
		return nil
	}
	if fresh, err := s.remed.GetRun(ctx, run.ID); err == nil {
		*run = *fresh
	}
	return &res
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := store.RunFilter{
		HostID:   strings.TrimSpace(q.Get("hostId")),
		ActionID: strings.TrimSpace(q.Get("actionId")),
		Mode:     model.RunMode(strings.TrimSpace(q.Get("mode"))),
		Limit:    limit,
	}
	for _, st := range querySet(r, "state") {
		f.States = append(f.States, model.RunState(st))
	}
	switch q.Get("dlq") {
	case "":
	case "true", "1":
		f.DLQ = ptr(true)
	case "false", "0":
		f.DLQ = ptr(false)
	default:
		s.fail(w, r, badRequest("query dlq must be a boolean"))
		return
	}
	runs, err := s.remed.ListRuns(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.RemediationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.remed.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) approveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.remed.Approve(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := runResponse{OK: true, Run: run}
	if s.autoDrain {
		resp.Drained = s.inlineDrain(r.Context(), run)
	}
	writeJSON(w, http.StatusOK, resp)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) rejectRun(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.remed.Reject(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{OK: true, Run: run})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.remed.Cancel(r.Context(), chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{OK: true, Run: run})
}

func ptr[T any](v T) *T { return &v }
