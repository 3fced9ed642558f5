package services

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// AssignmentStore abstracts persistence operations required by
// AssignmentService.
type AssignmentStore interface {
	InsertAssignment(a *models.Assignment) error
	GetAssignment(id string) (*models.Assignment, error)
	UpdateAssignment(a *models.Assignment) error
	ListAssignments() ([]*models.Assignment, error)
	AddDatum(d *models.Datum) error
	ListData(assignmentID string) ([]*models.Datum, error)
	ListResponses(assignmentID string) ([]*models.Response, error)
	GetUser(id string) (*models.User, error)
	AddAudit(e models.AuditEntry)
}

// AssignmentInput is the creation/update payload. UserLimit and AskPublic
// are pointers so an omitted flag keeps its default (both true).
type AssignmentInput struct {
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	DataLimit        int                 `json:"data_limit"`
	UserLimit        *bool               `json:"user_limit"`
	MultiplePerPage  bool                `json:"multiple_per_page"`
	AskPublic        *bool               `json:"ask_public"`
	Registration     models.Registration `json:"registration"`
	SubmissionEmails string              `json:"submission_emails"`
	Start            bool                `json:"start"`
}

// AssignmentStats summarizes progress. TotalTasks is nil for assignments
// without backing data.
type AssignmentStats struct {
	TotalTasks      *int       `json:"total_tasks"`
	PercentComplete int        `json:"percent_complete"`
	Contributors    string     `json:"contributors"`
	ResponsesPerDay []DayCount `json:"responses_per_day"`
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// AssignmentService owns assignment lifecycle and reporting.
type AssignmentService struct {
	store       AssignmentStore
	now         func() time.Time
	idGenerator func() string
}

func NewAssignmentService(store AssignmentStore) *AssignmentService {
	return &AssignmentService{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: func() string { return shortID(12) },
	}
}

// Create stores a new assignment, as a draft or opened immediately when
// Start is set.
func (s *AssignmentService) Create(ownerID string, in AssignmentInput) (*models.Assignment, error) {
	if ownerID == "" {
		return nil, NewForbiddenError("unauthorized")
	}
	a := &models.Assignment{
		ID:              s.idGenerator(),
		Status:          models.StatusDraft,
		Registration:    models.RegistrationRequired,
		DataLimit:       3,
		UserLimit:       true,
		AskPublic:       true,
		MultiplePerPage: in.MultiplePerPage,
		UserID:          ownerID,
		CreatedAt:       s.now(),
	}
	if err := s.apply(a, in); err != nil {
		return nil, err
	}
	if in.Start {
		now := s.now()
		a.Status = models.StatusOpen
		a.OpenedAt = &now
	}
	if err := s.store.InsertAssignment(a); err != nil {
		return nil, err
	}
	s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: ownerID, Action: "assignment_create", Target: a.ID, Note: a.Title})
	return a, nil
}

// Update edits an assignment's settings; Start additionally opens a draft.
func (s *AssignmentService) Update(id, actorID string, in AssignmentInput) (*models.Assignment, error) {
	a, err := s.manageable(id, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.apply(a, in); err != nil {
		return nil, err
	}
	if in.Start && a.Status == models.StatusDraft {
		now := s.now()
		a.Status = models.StatusOpen
		a.OpenedAt = &now
	}
	if err := s.store.UpdateAssignment(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Open publishes a draft assignment. Transitions are strictly monotonic;
// reopening a closed assignment is a conflict.
func (s *AssignmentService) Open(id, actorID string) (*models.Assignment, error) {
	return s.transition(id, actorID, models.StatusOpen, "assignment_open")
}

// Close ends an open assignment.
func (s *AssignmentService) Close(id, actorID string) (*models.Assignment, error) {
	return s.transition(id, actorID, models.StatusClosed, "assignment_close")
}

func (s *AssignmentService) transition(id, actorID string, next models.Status, action string) (*models.Assignment, error) {
	a, err := s.manageable(id, actorID)
	if err != nil {
		return nil, err
	}
	if !a.Status.CanTransitionTo(next) {
		return nil, NewConflictError(fmt.Sprintf("cannot move assignment from %s to %s", a.Status, next))
	}
	now := s.now()
	a.Status = next
	switch next {
	case models.StatusOpen:
		a.OpenedAt = &now
	case models.StatusClosed:
		a.ClosedAt = &now
	}
	if err := s.store.UpdateAssignment(a); err != nil {
		return nil, err
	}
	s.store.AddAudit(models.AuditEntry{Time: now, Actor: actorID, Action: action, Target: a.ID})
	return a, nil
}

// AddDatum attaches one backing data item to an assignment.
func (s *AssignmentService) AddDatum(assignmentID, actorID, url string, metadata map[string]string) (*models.Datum, error) {
	a, err := s.manageable(assignmentID, actorID)
	if err != nil {
		return nil, err
	}
	d := &models.Datum{
		ID:           s.idGenerator(),
		AssignmentID: a.ID,
		URL:          url,
		Metadata:     metadata,
	}
	if err := s.store.AddDatum(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns a single assignment.
func (s *AssignmentService) Get(id string) (*models.Assignment, error) {
	return s.assignment(id)
}

// ListViewable filters assignments to what the requester may see: admins
// see everything, owners see their own, everyone sees open assignments.
func (s *AssignmentService) ListViewable(userID string, admin bool) ([]*models.Assignment, error) {
	all, err := s.store.ListAssignments()
	if err != nil {
		return nil, err
	}
	if admin {
		return all, nil
	}
	out := make([]*models.Assignment, 0, len(all))
	for _, a := range all {
		if a.Status == models.StatusOpen || (userID != "" && a.UserID == userID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// CanManage reports whether the actor owns the assignment or is an admin.
func (s *AssignmentService) CanManage(id, actorID string) (bool, error) {
	a, err := s.assignment(id)
	if err != nil {
		return false, err
	}
	return s.canManage(a, actorID)
}

// Stats reports completion progress and contributors for an assignment.
func (s *AssignmentService) Stats(id string) (*AssignmentStats, error) {
	a, err := s.assignment(id)
	if err != nil {
		return nil, err
	}
	data, err := s.store.ListData(a.ID)
	if err != nil {
		return nil, err
	}
	responses, err := s.store.ListResponses(a.ID)
	if err != nil {
		return nil, err
	}

	stats := &AssignmentStats{}
	if len(data) > 0 {
		total := len(data) * a.DataLimit
		stats.TotalTasks = &total
		if total > 0 {
			stats.PercentComplete = 100 * len(responses) / total
		}
	}
	contributors, err := s.contributorLine(responses)
	if err != nil {
		return nil, err
	}
	stats.Contributors = contributors
	stats.ResponsesPerDay = perDay(responses)
	return stats, nil
}

// contributorLine renders the "who has helped" summary from publicly
// credited respondents, in response order.
func (s *AssignmentService) contributorLine(responses []*models.Response) (string, error) {
	var names []string
	seen := map[string]struct{}{}
	for _, r := range responses {
		if !r.Public || r.UserID == "" {
			continue
		}
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		u, err := s.store.GetUser(r.UserID)
		if err != nil {
			return "", err
		}
		if u == nil {
			continue
		}
		name := u.Name
		if name == "" {
			name = u.Email
		}
		names = append(names, name)
	}
	total := len(names)
	switch {
	case total > 4:
		return fmt.Sprintf("%s and %d others helped", strings.Join(names[:3], ", "), total-3), nil
	case total > 1:
		return fmt.Sprintf("%s and %s helped", strings.Join(names[:total-1], ", "), names[total-1]), nil
	case total == 1:
		return fmt.Sprintf("%s helped", names[0]), nil
	case len(responses) > 0:
		// there have been responses, but none of them are public
		return "", nil
	default:
		return "No one has helped yet, be the first!", nil
	}
}

func perDay(responses []*models.Response) []DayCount {
	counts := map[string]int{}
	var days []string
	for _, r := range responses {
		day := r.CreatedAt.Format("2006-01-02")
		if _, ok := counts[day]; !ok {
			days = append(days, day)
		}
		counts[day]++
	}
	out := make([]DayCount, 0, len(days))
	for _, day := range days {
		out = append(out, DayCount{Date: day, Count: counts[day]})
	}
	return out
}

func (s *AssignmentService) apply(a *models.Assignment, in AssignmentInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return NewInvalidError("title required")
	}
	a.Title = in.Title
	a.Slug = slugify(in.Title)
	a.Description = in.Description
	if in.DataLimit != 0 {
		if in.DataLimit < 1 {
			return NewInvalidError("data limit must be at least 1")
		}
		a.DataLimit = in.DataLimit
	}
	if in.Registration != "" {
		if !in.Registration.Valid() {
			return NewInvalidError(fmt.Sprintf("invalid registration policy %s", in.Registration))
		}
		a.Registration = in.Registration
	}
	if in.UserLimit != nil {
		a.UserLimit = *in.UserLimit
	}
	if in.AskPublic != nil {
		a.AskPublic = *in.AskPublic
	}
	a.MultiplePerPage = in.MultiplePerPage
	emails, err := parseSubmissionEmails(in.SubmissionEmails)
	if err != nil {
		return err
	}
	a.SubmissionEmails = emails
	return nil
}

// parseSubmissionEmails validates a comma separated email list.
func parseSubmissionEmails(raw string) ([]string, error) {
	var emails, bad []string
	for _, e := range strings.Split(raw, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, err := mail.ParseAddress(e); err != nil {
			bad = append(bad, e)
			continue
		}
		emails = append(emails, e)
	}
	if len(bad) > 0 {
		return nil, NewInvalidError(fmt.Sprintf("invalid email: %s", strings.Join(bad, ", ")))
	}
	return emails, nil
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func (s *AssignmentService) assignment(id string) (*models.Assignment, error) {
	a, err := s.store.GetAssignment(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}
	return a, nil
}

func (s *AssignmentService) manageable(id, actorID string) (*models.Assignment, error) {
	a, err := s.assignment(id)
	if err != nil {
		return nil, err
	}
	ok, err := s.canManage(a, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewForbiddenError("you may not edit this assignment")
	}
	return a, nil
}

func (s *AssignmentService) canManage(a *models.Assignment, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if a.UserID == actorID {
		return true, nil
	}
	u, err := s.store.GetUser(actorID)
	if err != nil {
		return false, err
	}
	return u != nil && u.Admin, nil
}
