package app

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"bloomsite/api/internal/rbac"
)

// Authenticated names under /api/forms/ that are not form ids.
var reservedFormPaths = map[string]struct{}{
	"available-forms-overview": {},
	"confirms-overview":        {},
	"progress":                 {},
	"submit":                   {},
	"delete":                   {},
	"submissions":              {},
	"submission":               {},
	"upload-image":             {},
	"confirm":                  {},
}

// handlePublicForms serves the unauthenticated GET routes under /api/forms/
// and reports whether it wrote a response.
func (s *HTTPServer) handlePublicForms(w http.ResponseWriter, r *http.Request, path string) bool {
	parts := splitPath(path)
	if len(parts) < 3 {
		return false
	}

	switch {
	case len(parts) == 3 && parts[2] == "public":
		items, err := s.service.PublicDefinitions(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, items)
		return true

	case len(parts) == 4 && parts[2] == "definitions":
		def, err := s.service.Definition(r.Context(), parts[3])
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, def)
		return true

	case len(parts) == 3 && parts[2] == "forms-overview":
		items, err := s.service.FormsOverview(r.Context(), FormTypeIntake)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, items)
		return true

	case len(parts) == 3 && parts[2] == "search":
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, s.service.SearchForms(r.URL.Query().Get("q"), limit, offset))
		return true

	case len(parts) == 3:
		if _, reserved := reservedFormPaths[parts[2]]; reserved {
			return false
		}
		payload, err := s.service.FormDetail(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleForms(w http.ResponseWriter, r *http.Request, session Session, path string) {
	parts := splitPath(path)
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if s.forbid(w, r, session, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()

	if len(parts) == 5 && parts[2] == "submissions" && parts[4] == "export" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		result, err := s.service.ExportSubmission(r.Context(), session, parts[3], query.Get("format"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method + " " + parts[2] {
	case "GET available-forms-overview":
		items, err := s.service.AvailableForms(r.Context(), session)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case "GET confirms-overview":
		items, err := s.service.FormsOverview(r.Context(), FormTypeConfirm)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case "GET progress":
		payload, err := s.service.GetProgress(r.Context(), session, query.Get("formId"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case "PUT progress":
		if s.forbid(w, r, session, rbac.ActionSubmit) {
			return
		}
		var body ProgressInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveProgress(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case "POST submit":
		if s.forbid(w, r, session, rbac.ActionSubmit) {
			return
		}
		var body SubmitInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Submit(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case "POST confirm":
		if s.forbid(w, r, session, rbac.ActionSubmit) {
			return
		}
		var body ConfirmInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Confirm(r.Context(), session, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case "DELETE delete":
		if s.forbid(w, r, session, rbac.ActionSubmit) {
			return
		}
		var body struct {
			FormID string `json:"formId"`
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		formID := firstNonEmpty(body.FormID, query.Get("formId"))
		userID := firstNonEmpty(body.UserID, query.Get("userId"))
		if err := s.service.DeleteSubmission(r.Context(), session, formID, userID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "formId": formID})

	case "GET submissions":
		items, err := s.service.ListSubmissions(r.Context(), session, query.Get("kind"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	case "GET submission":
		payload, err := s.service.UserSubmission(r.Context(), session, query.Get("formId"), query.Get("kind"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case "POST upload-image":
		if s.forbid(w, r, session, rbac.ActionSubmit) {
			return
		}
		s.handleUploadImage(w, r, session)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUploadImage(w http.ResponseWriter, r *http.Request, session Session) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImageSize+1<<20)
	if err := r.ParseMultipartForm(MaxImageSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with an image", nil)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "image is required", map[string]any{"field": "image"})
		return
	}
	defer file.Close()
	if header.Size > MaxImageSize {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "image exceeds the upload limit", nil)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		sniff := make([]byte, 512)
		n, _ := file.Read(sniff)
		contentType = http.DetectContentType(sniff[:n])
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	contentType = strings.TrimSpace(strings.Split(contentType, ";")[0])

	payload, err := s.service.UploadImage(r.Context(), session, file, header.Size, contentType)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}
