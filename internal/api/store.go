package api

import (
	"sort"
	"sync"

	"github.com/crowdtask-io/crowdtask/internal/models"
	"github.com/crowdtask-io/crowdtask/internal/services"
)

// memoryStore keeps everything in process memory. It backs tests and runs
// without any database configured; data does not survive a restart.
type memoryStore struct {
	mu          sync.RWMutex
	users       map[string]*models.User
	assignments map[string]*models.Assignment
	fields      map[string]*models.Field
	choices     map[string][]*models.Choice
	data        map[string]*models.Datum
	responses   []*models.Response
	values      map[string][]*models.Value
	audit       []models.AuditEntry
}

func NewMemoryStore() Store {
	return &memoryStore{
		users:       map[string]*models.User{},
		assignments: map[string]*models.Assignment{},
		fields:      map[string]*models.Field{},
		choices:     map[string][]*models.Choice{},
		data:        map[string]*models.Datum{},
		values:      map[string][]*models.Value{},
	}
}

// --- users ---

func (s *memoryStore) FindUserByEmail(email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) AddUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *memoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// --- assignments ---

func (s *memoryStore) InsertAssignment(a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.assignments[a.ID] = &copied
	return nil
}

func (s *memoryStore) GetAssignment(id string) (*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (s *memoryStore) UpdateAssignment(a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.assignments[a.ID] = &copied
	return nil
}

func (s *memoryStore) ListAssignments() ([]*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- fields and choices ---

func (s *memoryStore) ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active, deleted []*models.Field
	for _, f := range s.fields {
		if f.AssignmentID != assignmentID {
			continue
		}
		copied := *f
		if f.Deleted {
			deleted = append(deleted, &copied)
		} else {
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool { return *active[i].Order < *active[j].Order })
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].Label < deleted[j].Label })
	if includeDeleted {
		return append(active, deleted...), nil
	}
	return active, nil
}

func (s *memoryStore) ListChoices(fieldID string) ([]*models.Choice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Choice, 0, len(s.choices[fieldID]))
	for _, c := range s.choices[fieldID] {
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memoryStore) GetField(id string) (*models.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[id]
	if !ok {
		return nil, nil
	}
	copied := *f
	return &copied, nil
}

// ApplyFormPlan lands a whole reconciliation pass under one lock, so
// concurrent readers never see a half-applied form.
func (s *memoryStore) ApplyFormPlan(assignmentID string, plan *services.FormPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, up := range plan.Upserts {
		copied := *up.Field
		s.fields[copied.ID] = &copied
		if up.ReplaceChoices {
			replaced := make([]*models.Choice, 0, len(up.Choices))
			for _, c := range up.Choices {
				cc := *c
				replaced = append(replaced, &cc)
			}
			s.choices[copied.ID] = replaced
		}
	}
	for _, id := range plan.SoftDeleteIDs {
		if f, ok := s.fields[id]; ok {
			f.Deleted = true
			f.Order = nil
		}
	}
	return nil
}

// --- data ---

func (s *memoryStore) AddDatum(d *models.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.data[d.ID] = &copied
	return nil
}

func (s *memoryStore) GetDatum(id string) (*models.Datum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (s *memoryStore) ListData(assignmentID string) ([]*models.Datum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Datum
	for _, d := range s.data {
		if d.AssignmentID == assignmentID {
			copied := *d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) HasData(assignmentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.data {
		if d.AssignmentID == assignmentID {
			return true, nil
		}
	}
	return false, nil
}

// --- responses and values ---

func (s *memoryStore) AddResponse(r *models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.responses = append(s.responses, &copied)
	return nil
}

func (s *memoryStore) GetResponse(id string) (*models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.responses {
		if r.ID == id {
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpdateResponse(r *models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.responses {
		if existing.ID == r.ID {
			copied := *r
			s.responses[i] = &copied
			return nil
		}
	}
	return nil
}

func (s *memoryStore) ListResponses(assignmentID string) ([]*models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Response
	for _, r := range s.responses {
		if r.AssignmentID == assignmentID {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryStore) AddValues(vs []*models.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vs {
		copied := *v
		s.values[v.ResponseID] = append(s.values[v.ResponseID], &copied)
	}
	return nil
}

func (s *memoryStore) ListValues(responseID string) ([]*models.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Value, 0, len(s.values[responseID]))
	for _, v := range s.values[responseID] {
		copied := *v
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memoryStore) ReplaceFieldValues(responseID, fieldID string, vs []*models.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*models.Value
	for _, v := range s.values[responseID] {
		if v.FieldID != fieldID {
			kept = append(kept, v)
		}
	}
	for _, v := range vs {
		copied := *v
		kept = append(kept, &copied)
	}
	s.values[responseID] = kept
	return nil
}

// --- selector aggregations ---

func (s *memoryStore) CountFirstCompletions(assignmentID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, r := range s.responses {
		if r.AssignmentID == assignmentID && r.DatumID != "" && r.Number == 1 {
			counts[r.DatumID]++
		}
	}
	return counts, nil
}

func (s *memoryStore) ListRespondedDatumIDs(assignmentID string, identity models.Identity) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var ids []string
	for _, r := range s.responses {
		if r.AssignmentID != assignmentID || r.DatumID == "" {
			continue
		}
		if !responseMatches(r, identity) {
			continue
		}
		if _, ok := seen[r.DatumID]; ok {
			continue
		}
		seen[r.DatumID] = struct{}{}
		ids = append(ids, r.DatumID)
	}
	return ids, nil
}

func (s *memoryStore) HasResponded(assignmentID string, identity models.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.responses {
		if r.AssignmentID == assignmentID && responseMatches(r, identity) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) CountIdentityResponses(assignmentID string, identity models.Identity, datumID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.responses {
		if r.AssignmentID == assignmentID && r.DatumID == datumID && responseMatches(r, identity) {
			n++
		}
	}
	return n, nil
}

// responseMatches implements identity attribution: registered users match
// their own responses regardless of address, while an IP identity matches
// anonymous responses only.
func responseMatches(r *models.Response, identity models.Identity) bool {
	if identity.UserID != "" {
		return r.UserID == identity.UserID
	}
	return r.UserID == "" && r.IPAddress == identity.IPAddress
}

// --- audit ---

func (s *memoryStore) AddAudit(e models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
}

func (s *memoryStore) ListAudit() ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out, nil
}
