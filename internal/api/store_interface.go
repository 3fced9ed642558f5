package api

import (
	"github.com/crowdtask-io/crowdtask/internal/models"
	"github.com/crowdtask-io/crowdtask/internal/services"
)

// Store is the full persistence surface of the server, composed from the
// narrow per-service interfaces. Both the in-memory store and the SQLite
// store implement it.
type Store interface {
	services.AuthStore
	services.AssignmentStore
	services.FormStore
	services.SelectorStore
	services.SubmissionStore
	services.ExportStore
	services.GalleryStore

	ListAudit() ([]models.AuditEntry, error)
}

var _ Store = (*memoryStore)(nil)
