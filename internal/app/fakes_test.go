package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bloomsite/api/internal/authpw"
	"bloomsite/api/internal/blob"
	"bloomsite/api/internal/config"
	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/export"
	"bloomsite/api/internal/search"
	sessionstore "bloomsite/api/internal/session"
	"bloomsite/api/internal/store"
)

// fakeStore keeps users, forms and submissions in memory. Form writes
// bump the version and enqueue a sync only when something changed.
type fakeStore struct {
	mu          sync.Mutex
	users       map[string]store.User
	tokens      map[string]string
	forms       map[string]*store.FormTree
	submissions map[string]store.Submission
	progress    map[string]store.Progress
	enqueued    []string
	dead        map[string]bool
	nextID      int64
	pingErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		tokens:      make(map[string]string),
		forms:       make(map[string]*store.FormTree),
		submissions: make(map[string]store.Submission),
		progress:    make(map[string]store.Progress),
		dead:        make(map[string]bool),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) bump(tree *store.FormTree) {
	tree.Form.Version++
	tree.Form.UpdatedAt = time.Now()
	f.enqueued = append(f.enqueued, tree.Form.FormID)
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrDuplicate
		}
	}
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	user.IsActive = true
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreateSetPasswordToken(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = userID
	return nil
}

func (f *fakeStore) GetSetPasswordToken(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.tokens[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkSetPasswordTokenUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListUsers(_ context.Context, filter store.UserFilter) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0)
	for _, user := range f.users {
		if filter.ID != "" && user.ID != filter.ID {
			continue
		}
		if filter.Role != "" && user.Role != filter.Role {
			continue
		}
		if filter.Email != "" && !strings.Contains(user.Email, filter.Email) {
			continue
		}
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *fakeStore) CompleteOnboarding(_ context.Context, userID, _, _, companyName string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	user.HasCompletedOnboarding = true
	if companyName != "" {
		user.CompanyName = companyName
	}
	f.users[userID] = user
	return user, nil
}

func (f *fakeStore) GetForm(_ context.Context, formID string) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.Form{}, sql.ErrNoRows
	}
	return tree.Form, nil
}

func (f *fakeStore) ListForms(_ context.Context, filter store.FormFilter) ([]store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Form, 0)
	for _, tree := range f.forms {
		if filter.ActiveOnly && !tree.Form.IsActive {
			continue
		}
		if filter.FormType != "" && tree.Form.FormType != filter.FormType {
			continue
		}
		out = append(out, tree.Form)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].FormID < out[j].FormID
	})
	return out, nil
}

func (f *fakeStore) ListFormIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.forms))
	for id := range f.forms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) CountForms(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forms), nil
}

func (f *fakeStore) LoadFormTree(_ context.Context, formID string) (store.FormTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.FormTree{}, sql.ErrNoRows
	}
	copied := store.FormTree{Form: tree.Form}
	for _, section := range tree.Sections {
		copied.Sections = append(copied.Sections, store.SectionTree{
			FormSection: section.FormSection,
			Fields:      append([]store.FormField(nil), section.Fields...),
		})
	}
	return copied, nil
}

func (f *fakeStore) CreateForm(_ context.Context, formID string, input store.FormInput, createdBy string) (store.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.forms[formID]; exists {
		return store.Form{}, store.ErrDuplicate
	}
	form := store.Form{
		ID:               f.id(),
		FormID:           formID,
		Title:            input.Title,
		Description:      input.Description,
		ShortDescription: input.ShortDescription,
		Icon:             input.Icon,
		FormType:         input.FormType,
		IsActive:         input.IsActive,
		Order:            input.Order,
		Version:          1,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if createdBy != "" {
		form.CreatedBy = &createdBy
	}
	f.forms[formID] = &store.FormTree{Form: form}
	f.enqueued = append(f.enqueued, formID)
	return form, nil
}

func (f *fakeStore) UpdateForm(_ context.Context, formID string, input store.FormInput) (store.Form, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.Form{}, false, sql.ErrNoRows
	}
	if formValues(tree.Form) == input {
		return tree.Form, false, nil
	}
	tree.Form.Title = input.Title
	tree.Form.Description = input.Description
	tree.Form.ShortDescription = input.ShortDescription
	tree.Form.Icon = input.Icon
	tree.Form.FormType = input.FormType
	tree.Form.IsActive = input.IsActive
	tree.Form.Order = input.Order
	f.bump(tree)
	return tree.Form, true, nil
}

func (f *fakeStore) CreateSection(_ context.Context, formID string, input store.SectionInput) (store.FormSection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.FormSection{}, sql.ErrNoRows
	}
	section := store.FormSection{
		ID:              f.id(),
		FormPK:          tree.Form.ID,
		Title:           input.Title,
		Description:     input.Description,
		Order:           input.Order,
		IsRepeatable:    input.IsRepeatable,
		RepeatableCount: input.RepeatableCount,
	}
	tree.Sections = append(tree.Sections, store.SectionTree{FormSection: section})
	f.bump(tree)
	return section, nil
}

func sameCount(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (f *fakeStore) UpdateSection(_ context.Context, formID string, sectionID int64, input store.SectionInput) (store.FormSection, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.FormSection{}, false, sql.ErrNoRows
	}
	for i := range tree.Sections {
		section := &tree.Sections[i].FormSection
		if section.ID != sectionID {
			continue
		}
		if section.Title == input.Title && section.Description == input.Description &&
			section.Order == input.Order && section.IsRepeatable == input.IsRepeatable &&
			sameCount(section.RepeatableCount, input.RepeatableCount) {
			return *section, false, nil
		}
		section.Title = input.Title
		section.Description = input.Description
		section.Order = input.Order
		section.IsRepeatable = input.IsRepeatable
		section.RepeatableCount = input.RepeatableCount
		f.bump(tree)
		return *section, true, nil
	}
	return store.FormSection{}, false, sql.ErrNoRows
}

func (f *fakeStore) DeleteSection(_ context.Context, formID string, sectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return sql.ErrNoRows
	}
	for i := range tree.Sections {
		if tree.Sections[i].ID == sectionID {
			tree.Sections = append(tree.Sections[:i], tree.Sections[i+1:]...)
			f.bump(tree)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) CreateField(_ context.Context, formID string, sectionID int64, input store.FieldInput) (store.FormField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.FormField{}, sql.ErrNoRows
	}
	for i := range tree.Sections {
		if tree.Sections[i].ID != sectionID {
			continue
		}
		field := store.FormField{
			ID:          f.id(),
			SectionID:   sectionID,
			Label:       input.Label,
			Description: input.Description,
			FieldType:   input.FieldType,
			IsRequired:  input.IsRequired,
			Placeholder: input.Placeholder,
			Options:     input.Options,
			Order:       input.Order,
		}
		tree.Sections[i].Fields = append(tree.Sections[i].Fields, field)
		f.bump(tree)
		return field, nil
	}
	return store.FormField{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateField(_ context.Context, formID string, fieldID int64, input store.FieldInput) (store.FormField, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return store.FormField{}, false, sql.ErrNoRows
	}
	for i := range tree.Sections {
		for j := range tree.Sections[i].Fields {
			field := &tree.Sections[i].Fields[j]
			if field.ID != fieldID {
				continue
			}
			if field.Label == input.Label && field.FieldType == input.FieldType &&
				field.IsRequired == input.IsRequired && field.Order == input.Order &&
				field.Description == input.Description && field.Placeholder == input.Placeholder &&
				string(rawOrEmptyList(field.Options)) == string(rawOrEmptyList(input.Options)) {
				return *field, false, nil
			}
			field.Label = input.Label
			field.Description = input.Description
			field.FieldType = input.FieldType
			field.IsRequired = input.IsRequired
			field.Placeholder = input.Placeholder
			field.Options = input.Options
			field.Order = input.Order
			f.bump(tree)
			return *field, true, nil
		}
	}
	return store.FormField{}, false, sql.ErrNoRows
}

func (f *fakeStore) DeleteField(_ context.Context, formID string, fieldID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.forms[formID]
	if !ok {
		return sql.ErrNoRows
	}
	for i := range tree.Sections {
		fields := tree.Sections[i].Fields
		for j := range fields {
			if fields[j].ID == fieldID {
				tree.Sections[i].Fields = append(fields[:j], fields[j+1:]...)
				f.bump(tree)
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func submissionKey(userID, formID, kind string) string {
	return userID + "|" + formID + "|" + kind
}

func (f *fakeStore) SaveSubmission(_ context.Context, submission store.Submission) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := submissionKey(submission.UserID, submission.FormID, submission.Kind)
	if existing, ok := f.submissions[key]; ok {
		submission.ID = existing.ID
		submission.CreatedAt = existing.CreatedAt
	} else {
		submission.CreatedAt = time.Now()
	}
	submission.UpdatedAt = time.Now()
	if user, ok := f.users[submission.UserID]; ok {
		submission.Email = user.Email
		submission.FirstName = user.FirstName
		submission.LastName = user.LastName
	}
	f.submissions[key] = submission
	delete(f.progress, submission.UserID+"|"+submission.FormID)
	return submission, nil
}

func (f *fakeStore) GetSubmission(_ context.Context, id string) (store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, submission := range f.submissions {
		if submission.ID == id {
			return submission, nil
		}
	}
	return store.Submission{}, sql.ErrNoRows
}

func (f *fakeStore) ListSubmissions(_ context.Context, userID, kind string) ([]store.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Submission, 0)
	for _, submission := range f.submissions {
		if userID != "" && submission.UserID != userID {
			continue
		}
		if submission.Kind != kind {
			continue
		}
		out = append(out, submission)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FormID < out[j].FormID })
	return out, nil
}

func (f *fakeStore) DeleteSubmission(_ context.Context, userID, formID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := submissionKey(userID, formID, store.SubmissionKindSubmission)
	if _, ok := f.submissions[key]; !ok {
		return sql.ErrNoRows
	}
	delete(f.submissions, key)
	return nil
}

func (f *fakeStore) SubmittedFormIDs(_ context.Context, userID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, submission := range f.submissions {
		if submission.UserID == userID && submission.Kind == store.SubmissionKindSubmission {
			out[submission.FormID] = true
		}
	}
	return out, nil
}

func (f *fakeStore) GetProgress(_ context.Context, userID, formID string) (store.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.progress[userID+"|"+formID]
	if !ok {
		return store.Progress{}, sql.ErrNoRows
	}
	return progress, nil
}

func (f *fakeStore) SaveProgress(_ context.Context, progress store.Progress) (store.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress.UpdatedAt = time.Now()
	f.progress[progress.UserID+"|"+progress.FormID] = progress
	return progress, nil
}

func (f *fakeStore) EnqueueFormSync(_ context.Context, formID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, formID)
	return nil
}

func (f *fakeStore) SummarizeFormSync(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{store.OutboxPending: len(f.enqueued), store.OutboxDead: len(f.dead)}, nil
}

func (f *fakeStore) ListFormSync(_ context.Context, status string, _ int) ([]store.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.OutboxEntry, 0)
	if status == store.OutboxDead || status == "" {
		for formID := range f.dead {
			out = append(out, store.OutboxEntry{FormID: formID, Status: store.OutboxDead, AttemptCount: 8})
		}
	}
	return out, nil
}

func (f *fakeStore) RequeueFormSync(_ context.Context, formID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dead[formID] {
		return false, nil
	}
	delete(f.dead, formID)
	f.enqueued = append(f.enqueued, formID)
	return true, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type failingDocs struct {
	*docstore.Memory
}

func (failingDocs) UpsertProfile(context.Context, docstore.Profile) error {
	return errors.New("cosmos unavailable")
}

type fakeSearch struct {
	lastQuery search.Query
	reindexed int
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Total: 0, Query: q.Text}
}

func (f *fakeSearch) ReindexAllFromPG(context.Context) {
	f.reindexed++
}

type fakeUploader struct {
	uploadFn func(ctx context.Context, userID string, body io.ReadSeeker, size int64, contentType string) (blob.Object, error)
}

func (f fakeUploader) Upload(ctx context.Context, userID string, body io.ReadSeeker, size int64, contentType string) (blob.Object, error) {
	return f.uploadFn(ctx, userID, body, size, contentType)
}

type fakeGenerator struct {
	generateFn func(ctx context.Context, prompt string) (string, error)
}

func (f fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return f.generateFn(ctx, prompt)
}

type fakeMailer struct {
	configured bool
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendInviteEmail(to, _, setPasswordURL string) error {
	f.sent = append(f.sent, to+" "+setPasswordURL)
	return nil
}

type fakeExporter struct {
	exportFn func(ctx context.Context, submission store.Submission, format export.Format) (*export.Result, error)
}

func (f fakeExporter) Export(ctx context.Context, submission store.Submission, format export.Format) (*export.Result, error) {
	return f.exportFn(ctx, submission, format)
}

type testEnv struct {
	store    *fakeStore
	docs     *docstore.Memory
	service  *Service
	handler  http.Handler
	notified int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{store: newFakeStore(), docs: docstore.NewMemory()}
	env.service = &Service{
		cfg: config.Config{
			JWTSecret:      "test-secret",
			AccessTTL:      time.Hour,
			RefreshTTL:     24 * time.Hour,
			AppBaseURL:     "https://app.example.test",
			RateLimitRPS:   100,
			RateLimitBurst: 100,
		},
		store:    env.store,
		sessions: sessionstore.NewRedisStoreWithClient(client),
		accounts: authpw.NewService(env.store),
		docs:     env.docs,
		notify:   func() { env.notified++ },
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	env.handler = NewHTTPServer(env.service, "*").Handler()
	return env
}

// addUser stores an active user and returns an access token for it.
func (e *testEnv) addUser(t *testing.T, email, role string) (store.User, string) {
	t.Helper()
	user := store.User{
		ID:        "user-" + strings.SplitN(email, "@", 2)[0],
		Email:     email,
		FirstName: strings.SplitN(email, "@", 2)[0],
		Role:      role,
		IsActive:  true,
	}
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	session, err := e.service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return user, session.Token
}

func (e *testEnv) addForm(t *testing.T, formID, title, formType string, active bool) store.Form {
	t.Helper()
	form, err := e.store.CreateForm(context.Background(), formID, store.FormInput{
		Title:    title,
		FormType: formType,
		IsActive: active,
	}, "")
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	return form
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}
