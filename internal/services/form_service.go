package services

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"

	"github.com/microcosm-cc/bluemonday"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// maxLabelLen caps sanitized labels, descriptions and choice text.
const maxLabelLen = 255

// FieldSpec is one entry of the form-builder JSON document. Name, when set,
// is the identifier of an existing field to update in place.
type FieldSpec struct {
	Name        string           `json:"name,omitempty"`
	Label       string           `json:"label"`
	Type        models.FieldType `json:"type"`
	Description string           `json:"description,omitempty"`
	Required    bool             `json:"required,omitempty"`
	Gallery     bool             `json:"gallery,omitempty"`
	Min         *int             `json:"min,omitempty"`
	Max         *int             `json:"max,omitempty"`
	Values      []ChoiceSpec     `json:"values,omitempty"`
}

type ChoiceSpec struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ParseFieldSpecs validates the raw form-builder JSON and decodes it into
// field specs. All schema violations are reported here, before any
// reconciliation work begins.
func ParseFieldSpecs(raw []byte) ([]FieldSpec, error) {
	var specs []FieldSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, NewInvalidError("invalid form data: invalid JSON")
	}
	if len(specs) == 0 {
		return nil, NewInvalidError("having at least one field on the form is required")
	}
	for _, spec := range specs {
		if spec.Label == "" {
			return nil, NewInvalidError("invalid form data: missing label")
		}
		if spec.Type == "" {
			return nil, NewInvalidError(fmt.Sprintf("invalid form data: missing type for %s", spec.Label))
		}
		if !spec.Type.Known() {
			return nil, NewInvalidError(fmt.Sprintf("invalid form data: bad type %s", spec.Type))
		}
		if spec.Type.AcceptsChoices() {
			if spec.Values == nil {
				return nil, NewInvalidError(fmt.Sprintf("invalid form data: %s requires choices", spec.Type))
			}
			for _, v := range spec.Values {
				if v.Label == "" {
					return nil, NewInvalidError(fmt.Sprintf("invalid form data: missing label for choice of %s", spec.Label))
				}
				if v.Value == "" {
					return nil, NewInvalidError(fmt.Sprintf("invalid form data: missing value for choice %s of %s", v.Label, spec.Label))
				}
			}
		}
	}
	return specs, nil
}

// FormPlan is the complete batch of writes produced by one reconciliation
// pass. The store applies it atomically: either every upsert, choice rewrite
// and soft delete lands, or none do.
type FormPlan struct {
	Upserts       []FieldUpsert
	SoftDeleteIDs []string
}

// FieldUpsert carries the final state of one field. Choices, when
// ReplaceChoices is set, fully replace the field's existing choice rows.
type FieldUpsert struct {
	Field          *models.Field
	Created        bool
	ReplaceChoices bool
	Choices        []*models.Choice
}

// FormStore abstracts persistence operations required by FormService.
// ListFields returns active fields in order, then soft-deleted ones.
type FormStore interface {
	GetAssignment(id string) (*models.Assignment, error)
	ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error)
	ListChoices(fieldID string) ([]*models.Choice, error)
	ApplyFormPlan(assignmentID string, plan *FormPlan) error
}

// FieldView is the renderable description of one active field, in the same
// shape the form builder submits.
type FieldView struct {
	Type        models.FieldType `json:"type"`
	Label       string           `json:"label"`
	Description string           `json:"description"`
	Required    bool             `json:"required"`
	Gallery     bool             `json:"gallery"`
	Name        string           `json:"name"`
	Values      []ChoiceSpec     `json:"values,omitempty"`
	Min         *int             `json:"min,omitempty"`
	Max         *int             `json:"max,omitempty"`
}

// FormService reconciles an assignment's persisted fields and choices
// against form-builder submissions.
type FormService struct {
	store       FormStore
	idGenerator func() string
	sanitizer   *bluemonday.Policy
}

func NewFormService(store FormStore) *FormService {
	return &FormService{
		store:       store,
		idGenerator: func() string { return shortID(12) },
		sanitizer:   bluemonday.StrictPolicy(),
	}
}

// Reconcile mutates the assignment's fields and choices to match specs.
// Fields named by an existing identifier are updated in place; unmatched
// identifiers fall back to creation, never an error. Fields absent from
// specs are soft-deleted so historical values stay queryable. The whole
// target state is computed first and applied as one atomic plan, so
// label/order uniqueness is never transiently violated. An empty specs
// slice is accepted and soft-deletes every remaining field; rejecting it is
// the caller's job (ParseFieldSpecs does).
func (s *FormService) Reconcile(assignmentID string, specs []FieldSpec) error {
	if _, err := s.assignment(assignmentID); err != nil {
		return err
	}
	existing, err := s.store.ListFields(assignmentID, true)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Field, len(existing))
	for _, f := range existing {
		byID[f.ID] = f
	}

	plan := &FormPlan{}
	seenLabels := map[string]struct{}{}
	kept := map[string]struct{}{}
	for i, spec := range specs {
		order := i
		field := &models.Field{
			AssignmentID: assignmentID,
			Label:        uniquifyLabel(seenLabels, s.sanitizeText(spec.Label)),
			Type:         spec.Type,
			HelpText:     s.sanitizeText(spec.Description),
			Min:          spec.Min,
			Max:          spec.Max,
			Required:     spec.Required,
			Gallery:      spec.Gallery,
			Order:        &order,
		}
		up := FieldUpsert{Field: field}
		var prior *models.Field
		if spec.Name != "" {
			prior = byID[spec.Name]
		}
		if prior != nil {
			field.ID = prior.ID
			kept[prior.ID] = struct{}{}
		} else {
			field.ID = s.idGenerator()
			up.Created = true
		}

		if spec.Type.AcceptsChoices() && spec.Values != nil {
			// Existing choices are dropped and recreated so edits never
			// trip uniqueness constraints and removed choices disappear.
			// Matching by label keeps identifiers stable; responses store
			// choice values as strings, so no response data is lost.
			up.ReplaceChoices = true
			byLabel := map[string]*models.Choice{}
			if prior != nil {
				priorChoices, err := s.store.ListChoices(prior.ID)
				if err != nil {
					return err
				}
				for _, c := range priorChoices {
					byLabel[c.Label] = c
				}
			}
			for j, cs := range spec.Values {
				choice := &models.Choice{
					FieldID: field.ID,
					Label:   s.sanitizeText(cs.Label),
					Value:   s.sanitizeText(cs.Value),
					Order:   j,
				}
				if prev, ok := byLabel[choice.Label]; ok {
					choice.ID = prev.ID
					delete(byLabel, choice.Label)
				} else {
					choice.ID = s.idGenerator()
				}
				up.Choices = append(up.Choices, choice)
			}
		}
		plan.Upserts = append(plan.Upserts, up)
	}

	// Everything not named by this pass is soft-deleted.
	for _, f := range existing {
		if _, ok := kept[f.ID]; ok {
			continue
		}
		if f.Deleted {
			continue
		}
		plan.SoftDeleteIDs = append(plan.SoftDeleteIDs, f.ID)
	}

	return s.store.ApplyFormPlan(assignmentID, plan)
}

// Fields returns the renderable field list for an assignment, in field
// order, excluding soft-deleted fields.
func (s *FormService) Fields(assignmentID string) ([]FieldView, error) {
	if _, err := s.assignment(assignmentID); err != nil {
		return nil, err
	}
	fields, err := s.store.ListFields(assignmentID, false)
	if err != nil {
		return nil, err
	}
	views := make([]FieldView, 0, len(fields))
	for _, f := range fields {
		view := FieldView{
			Type:        f.Type,
			Label:       f.Label,
			Description: f.HelpText,
			Required:    f.Required,
			Gallery:     f.Gallery,
			Name:        f.ID,
			Min:         f.Min,
			Max:         f.Max,
		}
		if f.Type.AcceptsChoices() {
			choices, err := s.store.ListChoices(f.ID)
			if err != nil {
				return nil, err
			}
			for _, c := range choices {
				view.Values = append(view.Values, ChoiceSpec{Label: c.Label, Value: c.Value})
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *FormService) assignment(id string) (*models.Assignment, error) {
	a, err := s.store.GetAssignment(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}
	return a, nil
}

// sanitizeText strips all markup, unescapes HTML entities and truncates to
// the label length cap.
func (s *FormService) sanitizeText(text string) string {
	return truncate(html.UnescapeString(s.sanitizer.Sanitize(text)), maxLabelLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// uniquifyLabel resolves label collisions within one reconciliation pass by
// appending -1, -2, ... suffixes, truncating the base label so the result
// stays within the length cap.
func uniquifyLabel(seen map[string]struct{}, label string) string {
	unique := label
	i := 0
	for {
		if _, taken := seen[unique]; !taken {
			break
		}
		i++
		suffix := strconv.Itoa(i)
		unique = truncate(label, maxLabelLen-1-len(suffix)) + "-" + suffix
	}
	seen[unique] = struct{}{}
	return unique
}
