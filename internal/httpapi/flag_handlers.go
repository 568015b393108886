package httpapi

import (
	"net/http"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
)

type createFlagRequest struct {
	Key         string `json:"key"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

func (a *API) handleFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := a.flagSvc.List(r.Context(), a.env)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flags": list})
	case http.MethodPost:
		if err := a.ensurePermission(r, auth.PermFlagsManage); err != nil {
			writeDomainError(w, err)
			return
		}
		var req createFlagRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		flag, err := a.flagSvc.Create(r.Context(), a.env, req.Key, req.Enabled, req.Description)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "flags.created", map[string]any{
			"key":     flag.Key,
			"enabled": flag.Enabled,
		})
		writeJSON(w, http.StatusCreated, flag)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

type toggleFlagRequest struct {
	Key string `json:"key"`
}

func (a *API) handleFlagToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.ensurePermission(r, auth.PermFlagsManage); err != nil {
		writeDomainError(w, err)
		return
	}
	var req toggleFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enabled, err := a.flagSvc.Toggle(r.Context(), a.env, req.Key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "flags.toggled", map[string]any{
		"key":     req.Key,
		"enabled": enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"key": req.Key, "enabled": enabled})
}
