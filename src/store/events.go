package store

import "context"

// CommitEvent describes one successful commit: which object changed and
// which fields were flushed. External consumers (search indexer, audit log)
// subscribe through CommitListener; they are not part of the core.
type CommitEvent struct {
	FullName string
	Kind     string
	ID       int64
	Changed  []string
}

// CommitListener receives CommitEvents after the backing-store transaction
// committed. Listener errors are logged and never fail the commit.
type CommitListener interface {
	ThingCommitted(ctx context.Context, event CommitEvent) error
}

func (s *Store) notifyCommitted(ctx context.Context, event CommitEvent) {
	for _, l := range s.listeners {
		if err := l.ThingCommitted(ctx, event); err != nil {
			s.logger.Warn("commit listener failed",
				"fullname", event.FullName, "error", err)
		}
	}
}
