package app

import (
	"net/http"
	"strconv"

	"bloomsite/api/internal/rbac"
	"bloomsite/api/internal/store"
)

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, path string) {
	parts := splitPath(path)
	query := r.URL.Query()

	// /api/users/...
	if parts[1] == "users" {
		if s.forbid(w, r, session, rbac.ActionManageUsers) {
			return
		}
		switch {
		case len(parts) == 2 && r.Method == http.MethodGet:
			items, err := s.service.ListUsers(r.Context(), store.UserFilter{
				Role:      query.Get("role"),
				ID:        query.Get("id"),
				FirstName: query.Get("first_name"),
				LastName:  query.Get("last_name"),
				Email:     query.Get("email"),
			})
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, items)

		case r.Method == http.MethodGet && (path == "/api/users/detail" || path == "/api/users/fetch/user"):
			payload, err := s.service.UserDetail(r.Context(), query.Get("user_id"))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)

		case r.Method == http.MethodPost && path == "/api/users/invite":
			var body InviteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.Invite(r.Context(), body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)

		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if s.forbid(w, r, session, rbac.ActionManageForms) {
		return
	}

	// /api/admin/sync/...
	if len(parts) >= 3 && parts[2] == "sync" {
		s.handleAdminSync(w, r, parts)
		return
	}

	if len(parts) < 3 || parts[2] != "forms" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.AdminListForms(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
		case http.MethodPost:
			var body FormInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateForm(r.Context(), session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	formID := parts[3]
	s.handleAdminForm(w, r, formID, parts[4:])
}

func (s *HTTPServer) handleAdminForm(w http.ResponseWriter, r *http.Request, formID string, rest []string) {
	ctx := r.Context()

	switch {
	case len(rest) == 0:
		var (
			payload map[string]any
			err     error
		)
		switch r.Method {
		case http.MethodGet:
			payload, err = s.service.AdminFormTree(ctx, formID)
		case http.MethodPut:
			var body FormInput
			if decodeErr := decodeBody(r, &body); decodeErr != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", decodeErr.Error(), nil)
				return
			}
			payload, err = s.service.UpdateForm(ctx, formID, body)
		case http.MethodDelete:
			payload, err = s.service.DeactivateForm(ctx, formID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "resync" && r.Method == http.MethodPost:
		payload, err := s.service.ResyncForm(ctx, formID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)

	case len(rest) == 1 && rest[0] == "sections" && r.Method == http.MethodPost:
		var body SectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateSection(ctx, formID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 2 && rest[0] == "sections":
		sectionID, ok := parseID(w, rest[1])
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodPut:
			var body SectionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateSection(ctx, formID, sectionID, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteSection(ctx, formID, sectionID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": sectionID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case len(rest) == 3 && rest[0] == "sections" && rest[2] == "fields" && r.Method == http.MethodPost:
		sectionID, ok := parseID(w, rest[1])
		if !ok {
			return
		}
		var body FieldInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateField(ctx, formID, sectionID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case len(rest) == 2 && rest[0] == "fields":
		fieldID, ok := parseID(w, rest[1])
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodPut:
			var body FieldInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateField(ctx, formID, fieldID, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteField(ctx, formID, fieldID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": fieldID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminSync(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 4 && parts[3] == "outbox" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload, err := s.service.SyncOutbox(ctx, r.URL.Query().Get("status"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 6 && parts[3] == "outbox" && parts[5] == "requeue" && r.Method == http.MethodPost:
		payload, err := s.service.RequeueOutbox(ctx, parts[4])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)

	case len(parts) == 4 && parts[3] == "resync-all" && r.Method == http.MethodPost:
		payload, err := s.service.ResyncAll(ctx)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id", map[string]any{"id": raw})
		return 0, false
	}
	return id, true
}
