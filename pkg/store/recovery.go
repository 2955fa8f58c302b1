package store

import (
	"context"
	"fmt"
	"log/slog"
)

// RecoverAfterCrash repairs state left behind by an unclean shutdown:
// every task still marked running becomes failed, and every running plan
// becomes failed — at startup no worker can legitimately own one, and a
// crash between plan insertion and the first task leaves all tasks
// pending. Runs once before the scheduler re-enqueues unprocessed
// messages.
func (s *Store) RecoverAfterCrash(ctx context.Context) error {
	ts := now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', updated_at = ?
		WHERE status = 'running'`, ts)
	if err != nil {
		return fmt.Errorf("failed to fail running tasks: %w", err)
	}
	tasksFailed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE plans SET status = 'failed', updated_at = ?
		WHERE status = 'running'`, ts)
	if err != nil {
		return fmt.Errorf("failed to fail interrupted plans: %w", err)
	}
	plansFailed, _ := res.RowsAffected()

	if tasksFailed > 0 || plansFailed > 0 {
		slog.Info("Crash recovery applied",
			"tasks_failed", tasksFailed,
			"plans_failed", plansFailed)
	}
	return nil
}
