package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"capture_scheduler/core-go/internal/agents"
)

type agent struct {
	agents.Agent
	Stale *bool `json:"stale,omitempty"`
}

type heartbeatRequest struct {
	State string `json:"state"`
}

func (h *Handler) toAgent(ctx context.Context, a agents.Agent) (agent, error) {
	out := agent{Agent: a}
	if h.staleAfter <= 0 {
		return out, nil
	}
	stale, err := h.facade.IsStale(ctx, a.Name, h.staleAfter)
	if err != nil {
		return agent{}, err
	}
	out.Stale = &stale
	return out, nil
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	rows, err := h.facade.Agents(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "list agents", nil)
		return
	}

	resp := make([]agent, 0, len(rows))
	for _, a := range rows {
		out, err := h.toAgent(r.Context(), a)
		if err != nil {
			h.writeDomainError(w, err, "list agents", nil)
			return
		}
		resp = append(resp, out)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a, err := h.facade.Agent(r.Context(), name)
	if err != nil {
		h.writeDomainError(w, err, "fetch agent", map[string]any{"name": name})
		return
	}
	out, err := h.toAgent(r.Context(), a)
	if err != nil {
		h.writeDomainError(w, err, "fetch agent", map[string]any{"name": name})
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req agents.AgentPatch
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	a, err := h.facade.UpdateAgent(r.Context(), name, req)
	if err != nil {
		h.writeDomainError(w, err, "update agent", map[string]any{"name": name})
		return
	}
	h.writeJSON(w, http.StatusOK, agent{Agent: a})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req heartbeatRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.invalidBody(w, err)
		return
	}

	a, err := h.facade.Heartbeat(r.Context(), name, req.State)
	if err != nil {
		h.writeDomainError(w, err, "record heartbeat", map[string]any{"name": name})
		return
	}
	h.writeJSON(w, http.StatusOK, agent{Agent: a})
}
