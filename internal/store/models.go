package store

import (
	"encoding/json"
	"strings"
	"time"
)

type User struct {
	ID                     string
	Email                  string
	FirstName              string
	LastName               string
	PasswordHash           string
	Role                   string
	IsActive               bool
	HasCompletedOnboarding bool
	CompanyName            string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DisplayName is "First Last" when either part is set, the email otherwise.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Email
}

type UserFilter struct {
	Role      string
	ID        string
	FirstName string
	LastName  string
	Email     string
}

type Form struct {
	ID               int64
	FormID           string
	Title            string
	Description      string
	ShortDescription string
	Icon             string
	FormType         string
	IsActive         bool
	Order            int
	Version          int
	CreatedBy        *string
	CreatedByName    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FormInput carries the mutable columns of a form.
type FormInput struct {
	Title            string
	Description      string
	ShortDescription string
	Icon             string
	FormType         string
	IsActive         bool
	Order            int
}

type FormSection struct {
	ID              int64
	FormPK          int64
	Title           string
	Description     string
	Order           int
	IsRepeatable    bool
	RepeatableCount *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SectionInput struct {
	Title           string
	Description     string
	Order           int
	IsRepeatable    bool
	RepeatableCount *int
}

type FormField struct {
	ID          int64
	SectionID   int64
	Label       string
	Description string
	FieldType   string
	IsRequired  bool
	Placeholder string
	Options     json.RawMessage
	Order       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type FieldInput struct {
	Label       string
	Description string
	FieldType   string
	IsRequired  bool
	Placeholder string
	Options     json.RawMessage
	Order       int
}

// SectionTree is a section with its fields in display order.
type SectionTree struct {
	FormSection
	Fields []FormField
}

// FormTree is the full committed state of one form.
type FormTree struct {
	Form     Form
	Sections []SectionTree
}

type FormFilter struct {
	ActiveOnly bool
	FormType   string
}

const (
	SubmissionKindSubmission   = "submission"
	SubmissionKindConfirmation = "confirmation"
)

type Submission struct {
	ID          string
	UserID      string
	FormID      string
	FormName    string
	FormVersion int
	Kind        string
	Answers     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Populated by admin listings.
	Email     string
	FirstName string
	LastName  string
}

type Progress struct {
	UserID      string
	FormID      string
	FormVersion int
	Answers     json.RawMessage
	UpdatedAt   time.Time
}

const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxFailed     = "failed"
	OutboxDead       = "dead"
)

// OutboxEntry is one pending form-definition rebuild.
type OutboxEntry struct {
	FormID        string
	Generation    int64
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}
