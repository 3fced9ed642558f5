package services

import (
	"strings"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

const galleryTimeLayout = "01/02/2006 03:04 PM"

type GalleryStore interface {
	GetAssignment(id string) (*models.Assignment, error)
	ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error)
	ListResponses(assignmentID string) ([]*models.Response, error)
	ListValues(responseID string) ([]*models.Value, error)
	GetUser(id string) (*models.User, error)
	GetDatum(id string) (*models.Datum, error)
}

// FieldValueView is one rendered field of a gallery response.
type FieldValueView struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ResponseView is a response as shown in the public gallery or the
// owner's review listing.
type ResponseView struct {
	ID       string           `json:"id"`
	User     string           `json:"user"`
	Datetime string           `json:"datetime"`
	Datum    string           `json:"datum,omitempty"`
	Skip     bool             `json:"skip"`
	Flag     bool             `json:"flag,omitempty"`
	Gallery  bool             `json:"gallery,omitempty"`
	Tags     []string         `json:"tags,omitempty"`
	Values   []FieldValueView `json:"values"`
}

type GalleryService struct {
	store GalleryStore
}

func NewGalleryService(store GalleryStore) *GalleryService {
	return &GalleryService{store: store}
}

// List renders an assignment's responses. Admin listings see every response
// and every field; the public gallery only sees responses marked for the
// gallery and fields flagged as gallery fields, with contributors hidden
// unless they opted in.
func (s *GalleryService) List(assignmentID string, admin bool) ([]*ResponseView, error) {
	a, err := s.store.GetAssignment(assignmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}

	allFields, err := s.store.ListFields(assignmentID, admin)
	if err != nil {
		return nil, err
	}
	fields := make([]*models.Field, 0, len(allFields))
	for _, f := range allFields {
		if f.Type.Static() {
			continue
		}
		if !admin && !f.Gallery {
			continue
		}
		fields = append(fields, f)
	}

	responses, err := s.store.ListResponses(assignmentID)
	if err != nil {
		return nil, err
	}

	views := make([]*ResponseView, 0, len(responses))
	for _, r := range responses {
		if !admin && !r.Gallery {
			continue
		}
		view, err := s.render(a, r, fields, admin)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *GalleryService) render(a *models.Assignment, r *models.Response, fields []*models.Field, admin bool) (*ResponseView, error) {
	username := "Anonymous"
	if r.UserID != "" && (admin || r.Public) {
		user, err := s.store.GetUser(r.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			if user.Name != "" {
				username = user.Name
			} else {
				username = user.Email
			}
		}
	}

	datumURL := ""
	if r.DatumID != "" {
		datum, err := s.store.GetDatum(r.DatumID)
		if err != nil {
			return nil, err
		}
		if datum != nil {
			datumURL = datum.URL
		}
	}

	values, err := s.store.ListValues(r.ID)
	if err != nil {
		return nil, err
	}
	byField := map[string][]string{}
	for _, v := range values {
		if v.Value == "" {
			continue
		}
		byField[v.FieldID] = append(byField[v.FieldID], v.Value)
	}

	view := &ResponseView{
		ID:       r.ID,
		User:     username,
		Datetime: r.CreatedAt.Format(galleryTimeLayout),
		Datum:    datumURL,
		Skip:     r.Skip,
	}
	if admin {
		view.Flag = r.Flag
		view.Gallery = r.Gallery
		view.Tags = r.Tags
	}
	for _, f := range fields {
		view.Values = append(view.Values, FieldValueView{
			Field: f.ExportLabel(),
			Value: strings.Join(byField[f.ID], ", "),
		})
	}
	return view, nil
}
