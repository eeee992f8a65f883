package store

import "fmt"

const opColumns = `id, kind, payload, target_local_id, status, retry_count, next_retry_at, last_error, created_at`

func scanOp(row interface{ Scan(...any) error }) (*PendingOperation, error) {
	var op PendingOperation
	err := row.Scan(&op.ID, &op.Kind, &op.Payload, &op.TargetLocalID, &op.Status,
		&op.RetryCount, &op.NextRetryAt, &op.LastError, &op.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// EnqueueOperation appends a write to the durable offline queue.
func (s *Store) EnqueueOperation(op *PendingOperation) error {
	if op.ID == "" {
		return fmt.Errorf("empty operation id")
	}
	op.Status = OpQueued
	op.CreatedAt = s.now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO pending_operations (id, user_id, kind, payload, target_local_id, status, retry_count, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, '', ?)`,
		op.ID, s.userID, op.Kind, []byte(op.Payload), op.TargetLocalID, op.Status, op.CreatedAt)
	return err
}

// DueOperations returns queued operations whose retry time has passed,
// oldest first. Operations are strictly FIFO per target local id: a
// target with an in-flight or earlier queued operation contributes
// nothing, while independent targets may interleave.
func (s *Store) DueOperations(nowMillis int64) ([]PendingOperation, error) {
	rows, err := s.db.Query(`
		SELECT `+opColumns+` FROM pending_operations o
		WHERE o.user_id = ? AND o.status = ? AND o.next_retry_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM pending_operations p
			WHERE p.user_id = o.user_id AND p.target_local_id = o.target_local_id
			AND p.id != o.id
			AND (p.status = ? OR (p.status = ? AND p.created_at < o.created_at))
		)
		ORDER BY o.created_at ASC`,
		s.userID, OpQueued, nowMillis, OpInFlight, OpQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// MarkOperationInFlight claims an operation for one delivery attempt.
func (s *Store) MarkOperationInFlight(id string) error {
	_, err := s.db.Exec(`UPDATE pending_operations SET status = ? WHERE user_id = ? AND id = ?`,
		OpInFlight, s.userID, id)
	return err
}

// DequeueOperation removes an operation after confirmed success.
func (s *Store) DequeueOperation(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_operations WHERE user_id = ? AND id = ?`, s.userID, id)
	return err
}

// RescheduleOperation returns a failed operation to the queue with an
// updated retry budget and backoff deadline.
func (s *Store) RescheduleOperation(id string, retryCount int, nextRetryAt int64, lastErr string) error {
	_, err := s.db.Exec(`UPDATE pending_operations
		SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE user_id = ? AND id = ?`,
		OpQueued, retryCount, nextRetryAt, lastErr, s.userID, id)
	return err
}

// MarkOperationDead moves an abandoned operation to the dead-letter
// state. Dead operations stay queryable so the failure can be surfaced.
func (s *Store) MarkOperationDead(id, lastErr string) error {
	_, err := s.db.Exec(`UPDATE pending_operations SET status = ?, last_error = ? WHERE user_id = ? AND id = ?`,
		OpDead, lastErr, s.userID, id)
	return err
}

// RequeueOperation resets a dead or failed operation for a manual retry.
func (s *Store) RequeueOperation(id string) error {
	_, err := s.db.Exec(`UPDATE pending_operations
		SET status = ?, retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE user_id = ? AND id = ?`,
		OpQueued, s.userID, id)
	return err
}

// OperationByTarget returns the live (queued or in-flight or dead)
// operation for a target local id, or (nil, nil) when none exists.
func (s *Store) OperationByTarget(targetLocalID string) (*PendingOperation, error) {
	rows, err := s.db.Query(`SELECT `+opColumns+` FROM pending_operations
		WHERE user_id = ? AND target_local_id = ? ORDER BY created_at ASC LIMIT 1`,
		s.userID, targetLocalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanOp(rows)
}

// DeadOperations returns dead-lettered operations, oldest first.
func (s *Store) DeadOperations() ([]PendingOperation, error) {
	rows, err := s.db.Query(`SELECT `+opColumns+` FROM pending_operations
		WHERE user_id = ? AND status = ? ORDER BY created_at ASC`, s.userID, OpDead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// ReleaseInFlight returns any in-flight operations to the queue. Run at
// startup: an operation stuck in-flight means the previous process died
// mid-attempt.
func (s *Store) ReleaseInFlight() error {
	_, err := s.db.Exec(`UPDATE pending_operations SET status = ? WHERE user_id = ? AND status = ?`,
		OpQueued, s.userID, OpInFlight)
	return err
}
