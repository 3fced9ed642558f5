package services

import (
	"sort"
	"time"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// ExportStore covers the read surface needed to render a full CSV export.
type ExportStore interface {
	GetAssignment(id string) (*models.Assignment, error)
	ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error)
	ListData(assignmentID string) ([]*models.Datum, error)
	ListResponses(assignmentID string) ([]*models.Response, error)
	ListValues(responseID string) ([]*models.Value, error)
	GetUser(id string) (*models.User, error)
	GetDatum(id string) (*models.Datum, error)
	AddAudit(e models.AuditEntry)
}

type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ExportService struct {
	store ExportStore
	now   func() time.Time
}

func NewExportService(store ExportStore) *ExportService {
	return &ExportService{store: store, now: time.Now}
}

// ExportCSV renders every response of an assignment, including responses to
// since-deleted fields, as a CSV document.
func (s *ExportService) ExportCSV(assignmentID, actorID string, includeEmails bool) (*ExportResult, error) {
	a, err := s.store.GetAssignment(assignmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}

	fields, err := s.store.ListFields(assignmentID, true)
	if err != nil {
		return nil, err
	}
	data, err := s.store.ListData(assignmentID)
	if err != nil {
		return nil, err
	}
	hasData := len(data) > 0
	metadataKeys := collectMetadataKeys(data)

	responses, err := s.store.ListResponses(assignmentID)
	if err != nil {
		return nil, err
	}

	header := HeaderValues(a, fields, metadataKeys, includeEmails, hasData)
	rows := make([][]string, 0, len(responses))
	users := map[string]*models.User{}
	for _, r := range responses {
		var user *models.User
		if r.UserID != "" {
			cached, ok := users[r.UserID]
			if !ok {
				cached, err = s.store.GetUser(r.UserID)
				if err != nil {
					return nil, err
				}
				users[r.UserID] = cached
			}
			user = cached
		}
		var datum *models.Datum
		if r.DatumID != "" {
			datum, err = s.store.GetDatum(r.DatumID)
			if err != nil {
				return nil, err
			}
		}
		values, err := s.store.ListValues(r.ID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ResponseValues(a, r, user, datum, fields, metadataKeys, values, includeEmails, hasData))
	}

	payload, err := WriteCSV(header, rows)
	if err != nil {
		return nil, err
	}

	s.store.AddAudit(models.AuditEntry{
		Time:   s.now(),
		Actor:  actorID,
		Action: "export_csv",
		Target: assignmentID,
	})

	return &ExportResult{
		Filename:    a.Slug + "-results.csv",
		ContentType: "text/csv; charset=utf-8",
		Data:        payload,
	}, nil
}

// collectMetadataKeys returns the union of metadata keys across all data,
// sorted so export columns stay stable between runs.
func collectMetadataKeys(data []*models.Datum) []string {
	seen := map[string]bool{}
	for _, d := range data {
		for key := range d.Metadata {
			seen[key] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
