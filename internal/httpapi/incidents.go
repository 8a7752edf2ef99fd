package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/msageha/fleetguard/internal/incident"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/store"
)

type assignRequest struct {
	Assignee string `json:"assignee" validate:"required"`
}

type resolveRequest struct {
	Note string `json:"note"`
}

type reopenRequest struct {
	Reason string `json:"reason"`
}

type noteRequest struct {
	Message string `json:"message" validate:"required,max=4000"`
}

func (s *Server) createIncident(w http.ResponseWriter, r *http.Request) {
	var req incident.CreateRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Actor = actorFromContext(r.Context())
	inc, err := s.incidents.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := store.IncidentFilter{
		Severity: model.Severity(strings.TrimSpace(r.URL.Query().Get("severity"))),
		HostID:   strings.TrimSpace(r.URL.Query().Get("hostId")),
		Limit:    limit,
	}
	for _, st := range querySet(r, "state") {
		f.States = append(f.States, model.IncidentState(st))
	}
	incs, err := s.incidents.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if incs == nil {
		incs = []*model.IncidentRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	timeline, err := s.incidents.Timeline(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if timeline == nil {
		timeline = []model.IncidentTimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc, "timeline": timeline})
}

// incidentAction adapts a transition taking (id, actor) to a handler.
func (s *Server) incidentAction(w http.ResponseWriter, r *http.Request, fn func(id, actor string) (*model.IncidentRun, error)) {
	inc, err := fn(chi.URLParam(r, "id"), actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) assignIncident(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Assign(r.Context(), id, actor, req.Assignee)
	})
}

func (s *Server) acknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Acknowledge(r.Context(), id, actor)
	})
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Resolve(r.Context(), id, actor, req.Note)
	})
}

func (s *Server) closeIncident(w http.ResponseWriter, r *http.Request) {
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Close(r.Context(), id, actor)
	})
}

func (s *Server) reopenIncident(w http.ResponseWriter, r *http.Request) {
	var req reopenRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Reopen(r.Context(), id, actor, req.Reason)
	})
}

func (s *Server) noteIncident(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Note(r.Context(), id, actor, req.Message)
	})
}

func (s *Server) postmortemIncident(w http.ResponseWriter, r *http.Request) {
	var req incident.PostmortemUpdate
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.incidentAction(w, r, func(id, actor string) (*model.IncidentRun, error) {
		return s.incidents.Postmortem(r.Context(), id, actor, req)
	})
}

func (s *Server) executeStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.incidents.ExecuteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
