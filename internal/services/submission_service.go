package services

import (
	"time"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// SubmissionStore abstracts persistence operations required by
// SubmissionService. ReplaceFieldValues swaps out all value rows of one
// field within a response in a single step.
type SubmissionStore interface {
	GetAssignment(id string) (*models.Assignment, error)
	GetDatum(id string) (*models.Datum, error)
	GetField(id string) (*models.Field, error)
	HasData(assignmentID string) (bool, error)
	CountIdentityResponses(assignmentID string, identity models.Identity, datumID string) (int, error)
	AddResponse(r *models.Response) error
	AddValues(vs []*models.Value) error
	GetResponse(id string) (*models.Response, error)
	UpdateResponse(r *models.Response) error
	ListValues(responseID string) ([]*models.Value, error)
	ReplaceFieldValues(responseID, fieldID string, vs []*models.Value) error
}

// Answer carries the submitted values for one field. Multi-valued fields
// may supply several values; everything else uses the first.
type Answer struct {
	FieldID string   `json:"field_id"`
	Values  []string `json:"values"`
}

type SubmitRequest struct {
	AssignmentID string
	Identity     models.Identity
	DatumID      string
	Public       bool
	Answers      []Answer
}

type SubmitResult struct {
	ResponseID string
	Number     int
}

type SkipRequest struct {
	AssignmentID string
	Identity     models.Identity
	DatumID      string
}

// EditRequest carries a manager's changes to one response. Flag and Gallery
// are moderation switches; nil leaves the current state untouched.
type EditRequest struct {
	ResponseID string
	EditorID   string
	Answers    []Answer
	Tags       []string
	Flag       *bool
	Gallery    *bool
}

// SubmissionService owns the response lifecycle: submission, skips, and
// admin edits that preserve original values for revert.
type SubmissionService struct {
	store       SubmissionStore
	now         func() time.Time
	idGenerator func() string
}

func NewSubmissionService(store SubmissionStore) *SubmissionService {
	return &SubmissionService{
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: func() string { return shortID(12) },
	}
}

// Submit records a response and its values. Number is the ordinal of this
// identity's submissions against the same datum, so repeat submissions on
// multiple-per-page assignments count up while only the first one counts
// toward datum exhaustion. Answers naming unknown or static fields are
// dropped silently.
func (s *SubmissionService) Submit(req SubmitRequest) (*SubmitResult, error) {
	a, err := s.assignment(req.AssignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusOpen {
		return nil, NewForbiddenError("assignment is not open for submissions")
	}
	if a.Registration == models.RegistrationRequired && req.Identity.Anonymous() {
		return nil, NewForbiddenError("registration is required for this assignment")
	}
	if req.Identity.Zero() {
		return nil, NewInvalidError("identity required")
	}

	hasData, err := s.store.HasData(a.ID)
	if err != nil {
		return nil, err
	}
	datumID := ""
	if hasData {
		if req.DatumID == "" {
			return nil, NewInvalidError("datum required")
		}
		if _, err := s.datum(a.ID, req.DatumID); err != nil {
			return nil, err
		}
		datumID = req.DatumID
	}

	prior, err := s.store.CountIdentityResponses(a.ID, req.Identity, datumID)
	if err != nil {
		return nil, err
	}

	resp := &models.Response{
		ID:           s.idGenerator(),
		AssignmentID: a.ID,
		UserID:       req.Identity.UserID,
		IPAddress:    req.Identity.IPAddress,
		DatumID:      datumID,
		Public:       req.Public && a.AskPublic,
		Number:       prior + 1,
		CreatedAt:    s.now(),
	}
	if err := s.store.AddResponse(resp); err != nil {
		return nil, err
	}

	var values []*models.Value
	for _, ans := range req.Answers {
		field, err := s.store.GetField(ans.FieldID)
		if err != nil {
			return nil, err
		}
		if field == nil || field.AssignmentID != a.ID || field.Type.Static() {
			continue
		}
		for _, v := range ans.Values {
			values = append(values, &models.Value{
				ID:            s.idGenerator(),
				ResponseID:    resp.ID,
				FieldID:       field.ID,
				Value:         v,
				OriginalValue: v,
			})
		}
	}
	if err := s.store.AddValues(values); err != nil {
		return nil, err
	}

	return &SubmitResult{ResponseID: resp.ID, Number: resp.Number}, nil
}

// Skip records that the identity passed on a datum, so it is not offered
// again. Anonymous skips are allowed unless registration is required.
func (s *SubmissionService) Skip(req SkipRequest) error {
	a, err := s.assignment(req.AssignmentID)
	if err != nil {
		return err
	}
	if a.Status != models.StatusOpen {
		return NewForbiddenError("assignment is not open for submissions")
	}
	if req.DatumID == "" {
		return NewInvalidError("datum required")
	}
	if _, err := s.datum(a.ID, req.DatumID); err != nil {
		return err
	}
	if req.Identity.Zero() {
		return NewInvalidError("identity required")
	}
	if req.Identity.Anonymous() && a.Registration == models.RegistrationRequired {
		return NewForbiddenError("registration is required for this assignment")
	}
	return s.store.AddResponse(&models.Response{
		ID:           s.idGenerator(),
		AssignmentID: a.ID,
		UserID:       req.Identity.UserID,
		IPAddress:    req.Identity.IPAddress,
		DatumID:      req.DatumID,
		Skip:         true,
		Number:       1,
		CreatedAt:    s.now(),
	})
}

// Edit rewrites a response's values. Multi-valued fields collect the
// surviving original values and the new values side by side and recreate
// all rows; single-valued fields are updated in place. Original values are
// never overwritten.
func (s *SubmissionService) Edit(req EditRequest) error {
	resp, err := s.response(req.ResponseID)
	if err != nil {
		return err
	}
	existing, err := s.store.ListValues(resp.ID)
	if err != nil {
		return err
	}
	byField := map[string][]*models.Value{}
	for _, v := range existing {
		byField[v.FieldID] = append(byField[v.FieldID], v)
	}

	for _, ans := range req.Answers {
		field, err := s.store.GetField(ans.FieldID)
		if err != nil {
			return err
		}
		if field == nil || field.AssignmentID != resp.AssignmentID {
			continue
		}
		current := byField[field.ID]
		var rows []*models.Value
		if field.Type.MultiValued() {
			var originals []string
			for _, v := range current {
				if v.OriginalValue != "" {
					originals = append(originals, v.OriginalValue)
				}
			}
			n := len(originals)
			if len(ans.Values) > n {
				n = len(ans.Values)
			}
			for k := 0; k < n; k++ {
				orig, val := "", ""
				if k < len(originals) {
					orig = originals[k]
				}
				if k < len(ans.Values) {
					val = ans.Values[k]
				}
				rows = append(rows, &models.Value{
					ID:            s.idGenerator(),
					ResponseID:    resp.ID,
					FieldID:       field.ID,
					Value:         val,
					OriginalValue: orig,
				})
			}
		} else {
			val := ""
			if len(ans.Values) > 0 {
				val = ans.Values[0]
			}
			row := &models.Value{
				ID:         s.idGenerator(),
				ResponseID: resp.ID,
				FieldID:    field.ID,
				Value:      val,
			}
			if len(current) > 0 {
				row.ID = current[0].ID
				row.OriginalValue = current[0].OriginalValue
			}
			rows = append(rows, row)
		}
		if err := s.store.ReplaceFieldValues(resp.ID, field.ID, rows); err != nil {
			return err
		}
	}

	if req.Tags != nil {
		resp.Tags = req.Tags
	}
	if req.Flag != nil {
		resp.Flag = *req.Flag
	}
	if req.Gallery != nil {
		resp.Gallery = *req.Gallery
	}
	return s.markEdited(resp, req.EditorID)
}

// Revert restores every value of a response to its original submission.
func (s *SubmissionService) Revert(responseID, editorID string) error {
	resp, err := s.response(responseID)
	if err != nil {
		return err
	}
	values, err := s.store.ListValues(resp.ID)
	if err != nil {
		return err
	}
	byField := map[string][]*models.Value{}
	for _, v := range values {
		reverted := *v
		reverted.Value = v.OriginalValue
		byField[v.FieldID] = append(byField[v.FieldID], &reverted)
	}
	for fieldID, rows := range byField {
		if err := s.store.ReplaceFieldValues(resp.ID, fieldID, rows); err != nil {
			return err
		}
	}
	return s.markEdited(resp, editorID)
}

func (s *SubmissionService) markEdited(resp *models.Response, editorID string) error {
	now := s.now()
	resp.EditUserID = editorID
	resp.EditedAt = &now
	return s.store.UpdateResponse(resp)
}

func (s *SubmissionService) assignment(id string) (*models.Assignment, error) {
	a, err := s.store.GetAssignment(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}
	return a, nil
}

func (s *SubmissionService) datum(assignmentID, id string) (*models.Datum, error) {
	d, err := s.store.GetDatum(id)
	if err != nil {
		return nil, err
	}
	if d == nil || d.AssignmentID != assignmentID {
		return nil, NewNotFoundError("datum not found")
	}
	return d, nil
}

func (s *SubmissionService) response(id string) (*models.Response, error) {
	r, err := s.store.GetResponse(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, NewNotFoundError("response not found")
	}
	return r, nil
}
