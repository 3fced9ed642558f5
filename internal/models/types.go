package models

import "time"

// Status is the lifecycle state of an assignment. Transitions are monotonic:
// draft -> open -> closed, and never backwards.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch {
	case s == StatusDraft && next == StatusOpen:
		return true
	case s == StatusOpen && next == StatusClosed:
		return true
	}
	return false
}

// Registration controls whether respondents must be registered users.
type Registration string

const (
	RegistrationRequired Registration = "required"
	RegistrationOff      Registration = "off"
	RegistrationOptional Registration = "optional"
)

func (r Registration) Valid() bool {
	switch r {
	case RegistrationRequired, RegistrationOff, RegistrationOptional:
		return true
	}
	return false
}

// FieldType is the closed set of form field types.
type FieldType string

const (
	FieldText          FieldType = "text"
	FieldSelect        FieldType = "select"
	FieldCheckbox      FieldType = "checkbox2"
	FieldCheckboxGroup FieldType = "checkbox-group"
	FieldDate          FieldType = "date"
	FieldNumber        FieldType = "number"
	FieldTextarea      FieldType = "textarea"
	FieldHeader        FieldType = "header"
	FieldParagraph     FieldType = "paragraph"
)

type fieldCaps struct {
	acceptsChoices bool // renders a choice list
	static         bool // display only, collects no value
	multiValued    bool // may store more than one value per response
}

var fieldCapsByType = map[FieldType]fieldCaps{
	FieldText:          {},
	FieldSelect:        {acceptsChoices: true},
	FieldCheckbox:      {},
	FieldCheckboxGroup: {acceptsChoices: true, multiValued: true},
	FieldDate:          {},
	FieldNumber:        {},
	FieldTextarea:      {},
	FieldHeader:        {static: true},
	FieldParagraph:     {static: true},
}

func (t FieldType) Known() bool {
	_, ok := fieldCapsByType[t]
	return ok
}

func (t FieldType) AcceptsChoices() bool { return fieldCapsByType[t].acceptsChoices }

func (t FieldType) Static() bool { return fieldCapsByType[t].static }

func (t FieldType) MultiValued() bool { return fieldCapsByType[t].multiValued }

// User is an account that can own assignments and submit attributed
// responses. PII should be minimized.
type User struct {
	ID        string
	Email     string
	Name      string
	PassHash  []byte
	Admin     bool
	CreatedAt time.Time
}

// Assignment is a published crowdsourced form definition.
type Assignment struct {
	ID               string
	Title            string
	Slug             string
	Description      string
	Status           Status
	Registration     Registration
	DataLimit        int // max completions per data item
	UserLimit        bool
	MultiplePerPage  bool
	AskPublic        bool
	SubmissionEmails []string
	UserID           string // owner
	CreatedAt        time.Time
	OpenedAt         *time.Time
	ClosedAt         *time.Time
}

// Field is one input element of an assignment's form. A field is either
// active with a non-nil Order, or soft-deleted with Deleted set and a nil
// Order; soft deletion preserves historical values.
type Field struct {
	ID           string
	AssignmentID string
	Label        string
	Type         FieldType
	HelpText     string
	Min          *int
	Max          *int
	Required     bool
	Gallery      bool
	Order        *int
	Deleted      bool
}

// ExportLabel is the field label used in CSV headers and response views.
func (f *Field) ExportLabel() string {
	if f.Deleted {
		return f.Label + " (deleted)"
	}
	return f.Label
}

// Choice is one option of a choice-accepting field. Responses reference
// choices by string value, not by row identity.
type Choice struct {
	ID      string
	FieldID string
	Label   string
	Value   string
	Order   int
}

// Datum is one backing item users respond about.
type Datum struct {
	ID           string
	AssignmentID string
	URL          string
	Metadata     map[string]string
}

// Identity is who is asking for or submitting work: a registered user or,
// failing that, a bare IP address. At most one side is set.
type Identity struct {
	UserID    string
	IPAddress string
}

func (id Identity) Anonymous() bool { return id.UserID == "" }

// Zero reports whether the identity carries no information at all.
func (id Identity) Zero() bool { return id.UserID == "" && id.IPAddress == "" }

// Response is one completed (or skipped) submission against an assignment,
// optionally tied to a datum.
type Response struct {
	ID           string
	AssignmentID string
	UserID       string
	IPAddress    string
	DatumID      string
	Public       bool
	Skip         bool
	// Number is the ordinal of this identity's submissions against the
	// same datum. Only the Number==1 row counts toward datum exhaustion.
	Number     int
	Flag       bool
	Gallery    bool
	Tags       []string
	CreatedAt  time.Time
	EditUserID string
	EditedAt   *time.Time
}

// Value is one field's answer within a response. OriginalValue is frozen at
// submission time so edits can be reverted.
type Value struct {
	ID            string
	ResponseID    string
	FieldID       string
	Value         string
	OriginalValue string
}

// AuditEntry records an administrative action.
type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}
