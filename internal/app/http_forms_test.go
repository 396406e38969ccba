package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"bloomsite/api/internal/agent"
	"bloomsite/api/internal/blob"
	"bloomsite/api/internal/export"
	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/store"
)

func TestPublicFormRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	env.addForm(t, "retired-abc123", "Retired", FormTypeIntake, false)
	env.addForm(t, "approve-abc123", "Approve", FormTypeConfirm, true)

	rec := env.do(t, http.MethodGet, "/api/forms/forms-overview/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overview status = %d", rec.Code)
	}
	items := decodeJSON[[]map[string]any](t, rec)
	if len(items) != 1 || items[0]["formId"] != "brand-abc123" {
		t.Fatalf("overview items = %v", items)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/brand-abc123", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	detail := decodeJSON[map[string]any](t, rec)
	if detail["title"] != "Brand" {
		t.Fatalf("detail = %v", detail)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/retired-abc123", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("inactive detail status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/forms/missing-form", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing detail status = %d", rec.Code)
	}
}

func TestPublicDefinitionsFromDocumentStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, def := range []formdef.Definition{
		{ID: "form_def_1_v1", Type: formdef.DocumentType, FormID: "brand-abc123", Title: "Brand", Version: "1", VersionNumber: 1, IsActive: true, IsLatest: false},
		{ID: "form_def_1_v2", Type: formdef.DocumentType, FormID: "brand-abc123", Title: "Brand", Version: "2", VersionNumber: 2, IsActive: true, IsLatest: true},
		{ID: "form_def_2_v1", Type: formdef.DocumentType, FormID: "old-abc123", Title: "Old", Version: "1", VersionNumber: 1, IsActive: false, IsLatest: true},
	} {
		if err := env.docs.UpsertDefinition(ctx, def); err != nil {
			t.Fatalf("upsert definition: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/forms/public", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public status = %d", rec.Code)
	}
	items := decodeJSON[[]map[string]any](t, rec)
	if len(items) != 1 || items[0]["version"] != "2" {
		t.Fatalf("public items = %v", items)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/definitions/brand-abc123", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("definition status = %d", rec.Code)
	}
	def := decodeJSON[formdef.Definition](t, rec)
	if def.VersionNumber != 2 {
		t.Fatalf("definition version = %d", def.VersionNumber)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/definitions/old-abc123", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("inactive definition status = %d", rec.Code)
	}
}

func TestSearchPassesQuery(t *testing.T) {
	env := newTestEnv(t)
	searcher := &fakeSearch{}
	env.service.search = searcher

	rec := env.do(t, http.MethodGet, "/api/forms/search?q=brand&limit=5&offset=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if searcher.lastQuery.Text != "brand" || searcher.lastQuery.Limit != 5 || searcher.lastQuery.Offset != 10 {
		t.Fatalf("query = %+v", searcher.lastQuery)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/search?q=brand&limit=many", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
}

func TestSubmitFlow(t *testing.T) {
	env := newTestEnv(t)
	form := env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	_, token := env.addUser(t, "client@example.com", "client")

	rec := env.do(t, http.MethodPost, "/api/forms/submit/", token, map[string]any{
		"formId":  form.FormID,
		"answers": []string{"not", "an", "object"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("array answers status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/forms/submit", token, map[string]any{
		"formId":  "missing",
		"answers": map[string]any{"q": "a"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing form status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/forms/progress", token, map[string]any{
		"formId":  form.FormID,
		"answers": map[string]any{"Company name": "Bakery"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save progress status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/forms/progress?formId="+form.FormID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get progress status = %d", rec.Code)
	}
	if progress := decodeJSON[map[string]any](t, rec); progress["formVersion"] != "1" {
		t.Fatalf("progress = %v", progress)
	}

	rec = env.do(t, http.MethodPost, "/api/forms/submit", token, map[string]any{
		"formId":      form.FormID,
		"formVersion": 1,
		"answers":     map[string]any{"Company name": "Bakery"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	submitted := decodeJSON[map[string]any](t, rec)
	if submitted["formName"] != "Brand" || submitted["formVersion"] != "1" {
		t.Fatalf("submission = %v", submitted)
	}

	// A submission clears the draft.
	rec = env.do(t, http.MethodGet, "/api/forms/progress?formId="+form.FormID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("progress after submit status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/available-forms-overview", token, nil)
	available := decodeJSON[[]map[string]any](t, rec)
	if len(available) != 1 || available[0]["isSubmitted"] != true {
		t.Fatalf("available forms = %v", available)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/submission?formId="+form.FormID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("user submission status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/forms/delete", token, map[string]any{"formId": form.FormID})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodDelete, "/api/forms/delete", token, map[string]any{"formId": form.FormID})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestDeleteOtherUsersSubmissionRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	form := env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	owner, ownerToken := env.addUser(t, "owner@example.com", "client")
	_, otherToken := env.addUser(t, "other@example.com", "client")
	_, adminToken := env.addUser(t, "admin@example.com", "admin")

	rec := env.do(t, http.MethodPost, "/api/forms/submit", ownerToken, map[string]any{
		"formId":  form.FormID,
		"answers": map[string]any{"q": "a"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", rec.Code)
	}

	body := map[string]any{"formId": form.FormID, "userId": owner.ID}
	rec = env.do(t, http.MethodDelete, "/api/forms/delete", otherToken, body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("other client delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/forms/delete", adminToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin delete status = %d", rec.Code)
	}
}

func TestConfirmRequiresConfirmForm(t *testing.T) {
	env := newTestEnv(t)
	intake := env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	confirm := env.addForm(t, "approve-abc123", "Approve design", FormTypeConfirm, true)
	_, token := env.addUser(t, "client@example.com", "client")

	answers := []map[string]string{{"question": "Do you approve?", "answer": "Yes"}}

	rec := env.do(t, http.MethodPost, "/api/forms/confirm", token, map[string]any{"formId": intake.FormID, "answers": answers})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("intake confirm status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/forms/confirm", token, map[string]any{"formId": confirm.FormID, "answers": answers})
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/forms/confirms-overview", token, nil)
	overview := decodeJSON[[]map[string]any](t, rec)
	if len(overview) != 1 || overview[0]["formId"] != confirm.FormID {
		t.Fatalf("confirms overview = %v", overview)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/submissions?kind=confirmation", token, nil)
	items := decodeJSON[[]map[string]any](t, rec)
	if len(items) != 1 || items[0]["kind"] != store.SubmissionKindConfirmation {
		t.Fatalf("confirmations = %v", items)
	}
}

func TestAdminSeesAllSubmissions(t *testing.T) {
	env := newTestEnv(t)
	form := env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	_, first := env.addUser(t, "first@example.com", "client")
	_, second := env.addUser(t, "second@example.com", "client")
	_, admin := env.addUser(t, "admin@example.com", "admin")

	for _, token := range []string{first, second} {
		rec := env.do(t, http.MethodPost, "/api/forms/submit", token, map[string]any{"formId": form.FormID, "answers": map[string]any{"q": "a"}})
		if rec.Code != http.StatusCreated {
			t.Fatalf("submit status = %d", rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/forms/submissions", first, nil)
	if items := decodeJSON[[]map[string]any](t, rec); len(items) != 1 {
		t.Fatalf("client sees %d submissions", len(items))
	}
	rec = env.do(t, http.MethodGet, "/api/forms/submissions", admin, nil)
	if items := decodeJSON[[]map[string]any](t, rec); len(items) != 2 {
		t.Fatalf("admin sees %d submissions", len(items))
	}
}

func TestExportSubmission(t *testing.T) {
	env := newTestEnv(t)
	form := env.addForm(t, "brand-abc123", "Brand", FormTypeIntake, true)
	_, ownerToken := env.addUser(t, "owner@example.com", "client")
	_, otherToken := env.addUser(t, "other@example.com", "client")

	rec := env.do(t, http.MethodPost, "/api/forms/submit", ownerToken, map[string]any{"formId": form.FormID, "answers": map[string]any{"q": "a"}})
	submissionID, _ := decodeJSON[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, http.MethodGet, "/api/forms/submissions/"+submissionID+"/export", ownerToken, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured export status = %d", rec.Code)
	}

	var gotFormat export.Format
	env.service.exporter = fakeExporter{exportFn: func(_ context.Context, submission store.Submission, format export.Format) (*export.Result, error) {
		gotFormat = format
		return &export.Result{Data: []byte("%PDF-1.4"), Filename: submission.FormID + ".pdf", MimeType: "application/pdf"}, nil
	}}

	rec = env.do(t, http.MethodGet, "/api/forms/submissions/"+submissionID+"/export", ownerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d body=%s", rec.Code, rec.Body.String())
	}
	if gotFormat != export.FormatPDF {
		t.Fatalf("format = %q", gotFormat)
	}
	if rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "brand-abc123.pdf") {
		t.Fatalf("content disposition = %q", rec.Header().Get("Content-Disposition"))
	}

	rec = env.do(t, http.MethodGet, "/api/forms/submissions/"+submissionID+"/export", otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign export status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/forms/submissions/"+submissionID+"/export?format=odt", ownerToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", rec.Code)
	}
}

func imageUploadRequest(t *testing.T, token, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="logo.png"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/forms/upload-image", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUploadImage(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.addUser(t, "client@example.com", "client")
	png := []byte("\x89PNG\r\n\x1a\n0000IHDR")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, imageUploadRequest(t, token, "image/png", png))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured upload status = %d", rec.Code)
	}

	var uploadedBy, uploadedType string
	var uploaded []byte
	env.service.uploader = fakeUploader{uploadFn: func(_ context.Context, userID string, body io.ReadSeeker, _ int64, contentType string) (blob.Object, error) {
		uploadedBy, uploadedType = userID, contentType
		uploaded, _ = io.ReadAll(body)
		return blob.Object{Name: "uploads/logo.png", URL: "https://cdn.example.test/uploads/logo.png"}, nil
	}}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, imageUploadRequest(t, token, "", png))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	if uploadedBy != user.ID || uploadedType != "image/png" || !bytes.Equal(uploaded, png) {
		t.Fatalf("uploaded by=%q type=%q bytes=%q", uploadedBy, uploadedType, uploaded)
	}
	if body := decodeJSON[map[string]any](t, rec); body["url"] != "https://cdn.example.test/uploads/logo.png" {
		t.Fatalf("upload body = %v", body)
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, imageUploadRequest(t, token, "text/plain", []byte("hello")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("text upload status = %d", rec.Code)
	}

	env.service.uploader = fakeUploader{uploadFn: func(context.Context, string, io.ReadSeeker, int64, string) (blob.Object, error) {
		return blob.Object{}, errors.New("bucket unreachable")
	}}
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, imageUploadRequest(t, token, "image/png", png))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed upload status = %d", rec.Code)
	}
}

func validContentRequest() map[string]any {
	return map[string]any{
		"tone":        "friendly",
		"audience":    "young families",
		"goal":        "build-awareness",
		"pageType":    "home",
		"description": "<p>We are a small family bakery that bakes sourdough bread and seasonal pastries every morning for the neighbourhood.</p>",
	}
}

func TestGenerateContent(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.addUser(t, "client@example.com", "client")

	rec := env.do(t, http.MethodPost, "/api/content/generate-content", token, map[string]any{"tone": "angry"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request status = %d", rec.Code)
	}
	details, _ := decodeJSON[map[string]any](t, rec)["details"].(map[string]any)
	if _, ok := details["tone"]; !ok {
		t.Fatalf("details = %v", details)
	}

	rec = env.do(t, http.MethodPost, "/api/content/generate-content", token, validContentRequest())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured agent status = %d", rec.Code)
	}

	var prompt string
	env.service.agent = fakeGenerator{generateFn: func(_ context.Context, p string) (string, error) {
		prompt = p
		return "Fresh bread, every morning.", nil
	}}
	rec = env.do(t, http.MethodPost, "/api/content/generate-content", token, validContentRequest())
	if rec.Code != http.StatusOK {
		t.Fatalf("generate status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeJSON[map[string]any](t, rec); body["content"] != "Fresh bread, every morning." {
		t.Fatalf("body = %v", body)
	}
	if strings.Contains(prompt, "<p>") || !strings.Contains(prompt, "home page") {
		t.Fatalf("prompt = %q", prompt)
	}

	env.service.agent = fakeGenerator{generateFn: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("%w: run did not complete successfully: failed", agent.ErrAgent)
	}}
	rec = env.do(t, http.MethodPost, "/api/content/generate-content", token, validContentRequest())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("agent failure status = %d", rec.Code)
	}
}
