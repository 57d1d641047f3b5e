package ingest

import "context"

// Reconcile re-ingests spooled calls.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	return s.writer.Reconcile(ctx)
}
