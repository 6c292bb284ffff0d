package migration

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/idmap"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Session is the state of one run: its id, the id map, the queue of
// pending references and the report. Nothing outlives it except what the id
// map persists.
type Session struct {
	RunID  string
	DryRun bool
	IDMap  idmap.Store
	Report *Report
	Logger *zap.Logger

	mu      sync.Mutex
	pending []models.PendingReference
}

// NewSession starts a session with a fresh run id.
func NewSession(store idmap.Store, dryRun bool, logger *zap.Logger) *Session {
	runID := uuid.NewString()
	return &Session{
		RunID:  runID,
		DryRun: dryRun,
		IDMap:  store,
		Report: NewReport(runID, dryRun),
		Logger: logger.With(zap.String("run_id", runID)),
	}
}

// AddPending queues references for a later resolver pass.
func (s *Session) AddPending(refs ...models.PendingReference) {
	if len(refs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, refs...)
}

// TakePending removes and returns the queued references accepted by keep.
// A nil keep takes everything.
func (s *Session) TakePending(keep func(models.PendingReference) bool) []models.PendingReference {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep == nil {
		out := s.pending
		s.pending = nil
		return out
	}
	var taken, rest []models.PendingReference
	for _, p := range s.pending {
		if keep(p) {
			taken = append(taken, p)
		} else {
			rest = append(rest, p)
		}
	}
	s.pending = rest
	return taken
}

// PendingCount returns the queue length.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
