package postgres

import "context"

// Store composes JobRepo and ResultRepo to satisfy domain.JobStore,
// which spans both the job table and its transient result sub-store.
type Store struct {
	*JobRepo
	*ResultRepo
}

// NewStore constructs a Store backed by a single pool.
func NewStore(p PgxPool) *Store {
	return &Store{JobRepo: NewJobRepo(p), ResultRepo: NewResultRepo(p)}
}

// Ping verifies Job Store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.JobRepo.Ping(ctx)
}
