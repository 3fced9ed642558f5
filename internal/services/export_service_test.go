package services

import (
	"bytes"
	"encoding/csv"
	"reflect"
	"testing"
	"time"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

type exportStubStore struct {
	assignment *models.Assignment
	fields     []*models.Field
	data       []*models.Datum
	responses  []*models.Response
	values     map[string][]*models.Value
	users      map[string]*models.User
	audit      []models.AuditEntry
}

func (s *exportStubStore) GetAssignment(id string) (*models.Assignment, error) {
	if s.assignment != nil && s.assignment.ID == id {
		return s.assignment, nil
	}
	return nil, nil
}

func (s *exportStubStore) ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error) {
	if includeDeleted {
		return s.fields, nil
	}
	var active []*models.Field
	for _, f := range s.fields {
		if !f.Deleted {
			active = append(active, f)
		}
	}
	return active, nil
}

func (s *exportStubStore) ListData(assignmentID string) ([]*models.Datum, error) {
	return s.data, nil
}

func (s *exportStubStore) ListResponses(assignmentID string) ([]*models.Response, error) {
	return s.responses, nil
}

func (s *exportStubStore) ListValues(responseID string) ([]*models.Value, error) {
	return s.values[responseID], nil
}

func (s *exportStubStore) GetUser(id string) (*models.User, error) {
	return s.users[id], nil
}

func (s *exportStubStore) GetDatum(id string) (*models.Datum, error) {
	for _, d := range s.data {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (s *exportStubStore) AddAudit(e models.AuditEntry) {
	s.audit = append(s.audit, e)
}

func parseCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("invalid csv output: %v", err)
	}
	return rows
}

func TestHeaderValuesLayouts(t *testing.T) {
	fields := []*models.Field{
		{Label: "Intro", Type: models.FieldHeader},
		{Label: "Name", Type: models.FieldText},
		{Label: "Old", Type: models.FieldText, Deleted: true},
	}
	base := &models.Assignment{ID: "a1"}

	got := HeaderValues(base, fields, nil, false, false)
	want := []string{"user", "public", "datetime", "skip", "flag", "gallery", "tags", "Name", "Old (deleted)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got = HeaderValues(base, fields, nil, true, false)
	if got[0] != "user" || got[1] != "email" || got[2] != "public" {
		t.Fatalf("expected email at index 1, got %v", got)
	}

	multi := &models.Assignment{ID: "a1", MultiplePerPage: true}
	got = HeaderValues(multi, fields, []string{"page", "source"}, false, true)
	want = []string{"user", "public", "datetime", "skip", "flag", "gallery", "tags",
		"number", "datum", "page", "source", "Name", "Old (deleted)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResponseValuesRow(t *testing.T) {
	a := &models.Assignment{ID: "a1"}
	fields := []*models.Field{
		{ID: "f1", Label: "Name", Type: models.FieldText},
		{ID: "f2", Label: "Topics", Type: models.FieldCheckboxGroup},
	}
	r := &models.Response{
		ID: "r1", Public: true, Tags: []string{"good", "verified"},
		CreatedAt: time.Date(2024, 5, 1, 14, 30, 5, 0, time.UTC),
	}
	user := &models.User{Name: "Jo Doe", Email: "jo@example.com"}
	values := []*models.Value{
		{FieldID: "f1", Value: "Jo"},
		{FieldID: "f2", Value: "budget"},
		{FieldID: "f2", Value: "parks"},
		{FieldID: "f2", Value: ""}, // hidden original row, multi-valued
	}

	got := ResponseValues(a, r, user, nil, fields, nil, values, true, false)
	want := []string{"Jo Doe", "jo@example.com", "true", "2024-05-01 14:30:05",
		"false", "false", "false", "good, verified", "Jo", "budget, parks"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResponseValuesAnonymousAndMissing(t *testing.T) {
	a := &models.Assignment{ID: "a1"}
	fields := []*models.Field{{ID: "f1", Label: "Name", Type: models.FieldText}}
	r := &models.Response{ID: "r1", Skip: true, CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}

	got := ResponseValues(a, r, nil, nil, fields, nil, nil, false, false)
	if got[0] != "Anonymous" {
		t.Fatalf("expected Anonymous, got %q", got[0])
	}
	if got[3] != "true" {
		t.Fatalf("expected skip true, got %v", got)
	}
	if got[len(got)-1] != "" {
		t.Fatalf("expected empty cell for unanswered field, got %q", got[len(got)-1])
	}
}

func TestExportCSV(t *testing.T) {
	store := &exportStubStore{
		assignment: &models.Assignment{ID: "a1", Slug: "city-budget", Status: models.StatusOpen, DataLimit: 3},
		fields: []*models.Field{
			{ID: "f1", AssignmentID: "a1", Label: "Summary", Type: models.FieldText},
		},
		data: []*models.Datum{
			{ID: "d1", AssignmentID: "a1", URL: "https://example.com/1.pdf", Metadata: map[string]string{"page": "4"}},
		},
		responses: []*models.Response{
			{ID: "r1", AssignmentID: "a1", UserID: "u1", DatumID: "d1", Public: true, Number: 1,
				CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
			{ID: "r2", AssignmentID: "a1", IPAddress: "10.0.0.1", DatumID: "d1", Skip: true, Number: 1,
				CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		},
		values: map[string][]*models.Value{
			"r1": {{FieldID: "f1", Value: "Looks fine"}},
		},
		users: map[string]*models.User{"u1": {ID: "u1", Name: "Jo", Email: "jo@example.com"}},
	}
	svc := NewExportService(store)
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }

	res, err := svc.ExportCSV("a1", "owner", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Filename != "city-budget-results.csv" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}
	if res.ContentType != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type %q", res.ContentType)
	}

	rows := parseCSV(t, res.Data)
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	wantHeader := []string{"user", "public", "datetime", "skip", "flag", "gallery", "tags", "datum", "page", "Summary"}
	if !reflect.DeepEqual(rows[0], wantHeader) {
		t.Fatalf("expected header %v, got %v", wantHeader, rows[0])
	}
	wantFirst := []string{"Jo", "true", "2024-05-01 09:00:00", "false", "false", "false", "",
		"https://example.com/1.pdf", "4", "Looks fine"}
	if !reflect.DeepEqual(rows[1], wantFirst) {
		t.Fatalf("expected row %v, got %v", wantFirst, rows[1])
	}
	if rows[2][0] != "Anonymous" || rows[2][3] != "true" {
		t.Fatalf("expected anonymous skip row, got %v", rows[2])
	}

	if len(store.audit) != 1 || store.audit[0].Action != "export_csv" {
		t.Fatalf("expected export audited, got %+v", store.audit)
	}
}

func TestExportCSVUnknownAssignment(t *testing.T) {
	svc := NewExportService(&exportStubStore{})
	_, err := svc.ExportCSV("nope", "owner", false)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
