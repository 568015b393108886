package httpapi

import (
	"net/http"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
)

// ensurePermission runs a live permission check for the authenticated caller.
// Token claims are never consulted here.
func (a *API) ensurePermission(r *http.Request, perm string) error {
	userID, err := auth.UserIDFromContext(r.Context())
	if err != nil {
		return err
	}
	return a.resolver().Ensure(r.Context(), userID, perm)
}

type createRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	System      bool   `json:"system"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := a.ensurePermission(r, auth.PermRolesManage); err != nil {
		writeDomainError(w, err)
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name, req.DisplayName, req.Description, req.System)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.created", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	writeJSON(w, http.StatusCreated, role)
}

type rolePermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

// handleRoleSubresources routes /v1/roles/{id} and /v1/roles/{id}/permissions.
func (a *API) handleRoleSubresources(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/v1/roles/")
	switch {
	case len(segs) == 1 && r.Method == http.MethodDelete:
		a.deleteRole(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "permissions" && r.Method == http.MethodPost:
		a.addRolePermission(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "permissions" && r.Method == http.MethodDelete:
		a.removeRolePermission(w, r, segs[0])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, roleID string) {
	if err := a.ensurePermission(r, auth.PermRolesManage); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.deleted", map[string]any{"role_id": roleID})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) addRolePermission(w http.ResponseWriter, r *http.Request, roleID string) {
	if err := a.ensurePermission(r, auth.PermRolesManage); err != nil {
		writeDomainError(w, err)
		return
	}
	var req rolePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	if err := a.rbac.AddPermissionToRole(r.Context(), roleID, req.PermissionID, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission_added", map[string]any{
		"role_id":       roleID,
		"permission_id": req.PermissionID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) removeRolePermission(w http.ResponseWriter, r *http.Request, roleID string) {
	if err := a.ensurePermission(r, auth.PermRolesManage); err != nil {
		writeDomainError(w, err)
		return
	}
	var req rolePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.RemovePermissionFromRole(r.Context(), roleID, req.PermissionID); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission_removed", map[string]any{
		"role_id":       roleID,
		"permission_id": req.PermissionID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		perms, err := a.store.Permissions().List(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPost:
		if err := a.ensurePermission(r, auth.PermRolesManage); err != nil {
			writeDomainError(w, err)
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), req.Name, req.DisplayName, req.Description)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

type grantRoleRequest struct {
	RoleID string `json:"role_id"`
}

// handleUserSubresources routes /v1/users/{id}/roles and
// /v1/users/{id}/roles/{roleID}.
func (a *API) handleUserSubresources(w http.ResponseWriter, r *http.Request) {
	segs := pathSegments(r.URL.Path, "/v1/users/")
	switch {
	case len(segs) == 2 && segs[1] == "roles" && r.Method == http.MethodPost:
		a.grantRole(w, r, segs[0])
	case len(segs) == 3 && segs[1] == "roles" && r.Method == http.MethodDelete:
		a.revokeRole(w, r, segs[0], segs[2])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.ensurePermission(r, auth.PermGrantsManage); err != nil {
		writeDomainError(w, err)
		return
	}
	var req grantRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	if err := a.rbac.GrantRole(r.Context(), userID, req.RoleID, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.granted", map[string]any{
		"target_user": userID,
		"role_id":     req.RoleID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if err := a.ensurePermission(r, auth.PermGrantsManage); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := a.rbac.RevokeRole(r.Context(), userID, roleID); err != nil {
		writeDomainError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.revoked", map[string]any{
		"target_user": userID,
		"role_id":     roleID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
