package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"capture_scheduler/core-go/internal/recording"
	"capture_scheduler/core-go/internal/schedule"
)

type eventCreate struct {
	ID       string            `json:"id,omitempty"`
	DeviceID string            `json:"device_id"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type eventUpdate struct {
	DeviceID *string           `json:"device_id,omitempty"`
	Start    *time.Time        `json:"start,omitempty"`
	End      *time.Time        `json:"end,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type eventsPage struct {
	Events       []schedule.Event `json:"events"`
	LastModified *time.Time       `json:"last_modified,omitempty"`
}

type conflictCheck struct {
	DeviceID string    `json:"device_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Exclude  []string  `json:"exclude,omitempty"`
}

type propertiesRequest struct {
	Properties map[string]string `json:"properties"`
}

type transitionRequest struct {
	State string `json:"state"`
}

func parseTimeParam(q url.Values, key string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

// filterFromQuery reads the search parameters shared by the list and
// lastmodified endpoints.
func filterFromQuery(q url.Values) (schedule.Filter, error) {
	f := schedule.Filter{
		DeviceID: strings.TrimSpace(q.Get("device_id")),
	}
	for _, id := range q["id"] {
		if id = strings.TrimSpace(id); id != "" {
			f.IDs = append(f.IDs, id)
		}
	}

	bounds := []struct {
		key string
		dst **time.Time
	}{
		{"starts_from", &f.StartsFrom},
		{"ends_to", &f.EndsTo},
		{"ends_from", &f.EndsFrom},
		{"starts_to", &f.StartsTo},
	}
	for _, b := range bounds {
		t, err := parseTimeParam(q, b.key)
		if err != nil {
			return schedule.Filter{}, err
		}
		*b.dst = t
	}

	if raw := strings.TrimSpace(q.Get("include_deleted")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return schedule.Filter{}, errors.New("include_deleted must be a boolean")
		}
		f.IncludeDeleted = v
	}
	return f, nil
}

func parseForce(q url.Values) (bool, error) {
	raw := strings.TrimSpace(q.Get("force"))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("force must be a boolean")
	}
	return v, nil
}

func (h *Handler) invalidQuery(w http.ResponseWriter, err error) {
	h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid query parameter", map[string]any{"error": err.Error()})
}

func (h *Handler) writeConflicts(w http.ResponseWriter, id string, conflicts []schedule.Event) {
	h.writeError(w, http.StatusConflict, "conflict", "device is already booked in the requested window", map[string]any{
		"id":        id,
		"conflicts": conflicts,
	})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := filterFromQuery(q)
	if err != nil {
		h.invalidQuery(w, err)
		return
	}
	since, err := parseTimeParam(q, "since")
	if err != nil {
		h.invalidQuery(w, err)
		return
	}
	var sinceAt time.Time
	if since != nil {
		sinceAt = *since
	}

	res, err := h.facade.Sync(r.Context(), filter, sinceAt)
	if err != nil {
		h.writeDomainError(w, err, "list events", nil)
		return
	}

	page := eventsPage{Events: res.Events}
	if page.Events == nil {
		page.Events = []schedule.Event{}
	}
	if res.HasLastModified {
		lm := res.LastModified
		page.LastModified = &lm
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleLastModified(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		h.invalidQuery(w, err)
		return
	}

	lm, ok, err := h.facade.LastModified(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err, "read last modified", nil)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"last_modified": lm})
}

func (h *Handler) handleScheduleEvent(w http.ResponseWriter, r *http.Request) {
	force, err := parseForce(r.URL.Query())
	if err != nil {
		h.invalidQuery(w, err)
		return
	}
	var req eventCreate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	e := schedule.Event{
		ID:       strings.TrimSpace(req.ID),
		DeviceID: req.DeviceID,
		Window:   schedule.Window{Start: req.Start, End: req.End},
		Metadata: req.Metadata,
	}
	if e.ID == "" {
		e.ID = h.newID()
	}

	if force {
		stored, err := h.facade.Index(r.Context(), schedule.PatchFromEvent(e))
		if err != nil {
			h.writeDomainError(w, err, "index event", map[string]any{"id": e.ID})
			return
		}
		h.writeJSON(w, http.StatusCreated, stored)
		return
	}

	res, err := h.facade.Schedule(r.Context(), e)
	if err != nil {
		h.writeDomainError(w, err, "schedule event", map[string]any{"id": e.ID})
		return
	}
	if !res.Accepted {
		h.writeConflicts(w, e.ID, res.Conflicts)
		return
	}
	h.writeJSON(w, http.StatusCreated, res.Event)
}

func (h *Handler) handleFindConflicts(w http.ResponseWriter, r *http.Request) {
	var req conflictCheck
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	conflicts, err := h.facade.FindConflicts(r.Context(), req.DeviceID,
		schedule.Window{Start: req.Start, End: req.End}, req.Exclude...)
	if err != nil {
		h.writeDomainError(w, err, "check conflicts", nil)
		return
	}
	if conflicts == nil {
		conflicts = []schedule.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.facade.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "fetch event", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleRescheduleEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force, err := parseForce(r.URL.Query())
	if err != nil {
		h.invalidQuery(w, err)
		return
	}
	var req eventUpdate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	p := schedule.EventPatch{
		ID:       id,
		DeviceID: req.DeviceID,
		Start:    req.Start,
		End:      req.End,
		Metadata: req.Metadata,
	}

	if force {
		stored, err := h.facade.Index(r.Context(), p)
		if err != nil {
			h.writeDomainError(w, err, "index event", map[string]any{"id": id})
			return
		}
		h.writeJSON(w, http.StatusOK, stored)
		return
	}

	res, err := h.facade.Reschedule(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, err, "reschedule event", map[string]any{"id": id})
		return
	}
	if !res.Accepted {
		h.writeConflicts(w, id, res.Conflicts)
		return
	}
	h.writeJSON(w, http.StatusOK, res.Event)
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.facade.Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "delete event", map[string]any{"id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAttachProperties(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req propertiesRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	e, err := h.facade.AttachProperties(r.Context(), id, req.Properties)
	if err != nil {
		h.writeDomainError(w, err, "attach agent properties", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.facade.Recording(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "fetch recording", map[string]any{"id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleTransitionRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}
	state, err := recording.ParseState(req.State)
	if err != nil {
		h.writeDomainError(w, err, "transition recording", map[string]any{"id": id})
		return
	}

	job, err := h.facade.Transition(r.Context(), id, state)
	if err != nil {
		details := map[string]any{"id": id}
		if errors.Is(err, recording.ErrIllegalTransition) {
			details["current_state"] = job.State
		}
		h.writeDomainError(w, err, "transition recording", details)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}
