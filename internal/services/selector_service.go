package services

import (
	"math/rand"
	"time"

	"github.com/crowdtask-io/crowdtask/internal/models"
)

// SelectorStore abstracts the aggregation queries behind data selection.
// CountFirstCompletions returns, per datum, the number of responses with
// Number==1; ListRespondedDatumIDs returns the data the identity has already
// responded to (for IP identities, anonymous responses only).
type SelectorStore interface {
	GetAssignment(id string) (*models.Assignment, error)
	ListData(assignmentID string) ([]*models.Datum, error)
	CountFirstCompletions(assignmentID string) (map[string]int, error)
	ListRespondedDatumIDs(assignmentID string, identity models.Identity) ([]string, error)
	HasResponded(assignmentID string, identity models.Identity) (bool, error)
}

// SelectorService fairly distributes an assignment's data among requesting
// identities: no datum is offered beyond its completion limit and no
// identity sees the same datum twice.
type SelectorService struct {
	store SelectorStore
	rng   *rand.Rand
}

func NewSelectorService(store SelectorStore) *SelectorService {
	return &SelectorService{
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns a uniformly random datum the identity may still work on, or
// nil when none remain. An empty result is a normal outcome, never an
// error. Assignments without data do not use Pick; see CanRespond.
func (s *SelectorService) Pick(assignmentID string, identity models.Identity) (*models.Datum, error) {
	a, err := s.store.GetAssignment(assignmentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewNotFoundError("assignment not found")
	}
	data, err := s.store.ListData(assignmentID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	// Only first completions (Number==1) count toward exhaustion, so
	// repeat submissions on multiple-per-page assignments never lock a
	// datum out early.
	counts, err := s.store.CountFirstCompletions(assignmentID)
	if err != nil {
		return nil, err
	}
	respondedIDs, err := s.store.ListRespondedDatumIDs(assignmentID, identity)
	if err != nil {
		return nil, err
	}
	responded := make(map[string]struct{}, len(respondedIDs))
	for _, id := range respondedIDs {
		responded[id] = struct{}{}
	}

	eligible := make([]*models.Datum, 0, len(data))
	for _, d := range data {
		if counts[d.ID] >= a.DataLimit {
			continue
		}
		if _, ok := responded[d.ID]; ok {
			continue
		}
		eligible = append(eligible, d)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	return eligible[s.rng.Intn(len(eligible))], nil
}

// CanRespond implements the sibling policy for assignments without backing
// data: when the assignment has a user limit, each identity may complete
// the form only once.
func (s *SelectorService) CanRespond(assignmentID string, identity models.Identity) (bool, error) {
	a, err := s.store.GetAssignment(assignmentID)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, NewNotFoundError("assignment not found")
	}
	if !a.UserLimit {
		return true, nil
	}
	responded, err := s.store.HasResponded(assignmentID, identity)
	if err != nil {
		return false, err
	}
	return !responded, nil
}
