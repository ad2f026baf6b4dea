package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/castellan-ai/castellan/internal/agentstore"
	"github.com/castellan-ai/castellan/internal/security"
)

// API exposes the facade over local HTTP for the desktop shell. Every
// response body is the uniform Result envelope.
type API struct {
	svc    *Service
	logger *slog.Logger
}

// NewAPI wraps the service for HTTP consumption.
func NewAPI(svc *Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, logger: logger}
}

// Routes returns the handler to mount on the local listener.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.ListAgents())
	})
	mux.HandleFunc("POST /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var in agentstore.Input
		if !a.decode(w, r, &in) {
			return
		}
		a.reply(w, a.svc.CreateAgent(in))
	})
	mux.HandleFunc("PATCH /v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch agentstore.Patch
		if !a.decode(w, r, &patch) {
			return
		}
		a.reply(w, a.svc.UpdateAgent(r.PathValue("id"), patch))
	})
	mux.HandleFunc("DELETE /v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.DeleteAgent(r.PathValue("id")))
	})
	mux.HandleFunc("POST /v1/agents/{id}/clone", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if !a.decode(w, r, &body) {
			return
		}
		a.reply(w, a.svc.CloneAgent(r.PathValue("id"), body.Name))
	})
	mux.HandleFunc("GET /v1/agents/active", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.GetActiveAgent())
	})
	mux.HandleFunc("PUT /v1/agents/active", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		if !a.decode(w, r, &body) {
			return
		}
		a.reply(w, a.svc.SetActiveAgent(body.ID))
	})

	mux.HandleFunc("GET /v1/tools", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.ListTools())
	})
	mux.HandleFunc("GET /v1/permissions/{toolKey}", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.CheckToolPermission(r.PathValue("toolKey")))
	})

	mux.HandleFunc("POST /v1/execute", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AgentID string        `json:"agentId"`
			ToolKey string        `json:"toolKey"`
			Params  ExecuteParams `json:"params"`
		}
		if !a.decode(w, r, &body) {
			return
		}
		a.reply(w, a.svc.ExecuteAgentTool(r.Context(), body.AgentID, body.ToolKey, body.Params))
	})

	mux.HandleFunc("GET /v1/audit", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		a.reply(w, a.svc.GetAuditLog(limit))
	})

	mux.HandleFunc("GET /v1/security", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.GetSecurityConfig())
	})
	mux.HandleFunc("PATCH /v1/security", func(w http.ResponseWriter, r *http.Request) {
		var patch security.Patch
		if !a.decode(w, r, &patch) {
			return
		}
		a.reply(w, a.svc.UpdateSecurityConfig(patch))
	})

	mux.HandleFunc("POST /v1/collaborations", func(w http.ResponseWriter, r *http.Request) {
		var req CollaborationRequest
		if !a.decode(w, r, &req) {
			return
		}
		a.reply(w, a.svc.StartCollaboration(r.Context(), req))
	})
	mux.HandleFunc("GET /v1/collaborations", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		a.reply(w, a.svc.ListCollaborations(r.Context(), limit))
	})
	mux.HandleFunc("GET /v1/collaborations/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.GetCollaboration(r.Context(), r.PathValue("id")))
	})
	mux.HandleFunc("DELETE /v1/collaborations/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, a.svc.StopCollaboration(r.PathValue("id")))
	})

	return mux
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		a.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// reply maps the uniform result onto HTTP: 200 for success, 422 for a
// failed operation. Transport-level problems are the only other statuses.
func (a *API) reply(w http.ResponseWriter, res Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	a.writeJSON(w, status, res)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
