package store

import (
	"context"
	"fmt"

	"spire/pkg/shared/model"
)

const instanceColumns = `instance_id, request_id, user_id, session_id, region, public_ip, ssh_username,
	ssh_connection_string, key_name, status, message, terminate_requested, created_at`

// InstanceRow is an instance as persisted, with its pending terminate flag.
type InstanceRow struct {
	model.Instance
	TerminateRequested bool
}

func scanInstance(r row) (InstanceRow, error) {
	var (
		inst    InstanceRow
		status  string
		created int64
	)
	err := r.Scan(&inst.InstanceID, &inst.RequestID, &inst.UserID, &inst.SessionID, &inst.Region,
		&inst.PublicIP, &inst.LoginUser, &inst.ConnectionString, &inst.KeyName, &status, &inst.Message,
		&inst.TerminateRequested, &created)
	if err != nil {
		return InstanceRow{}, err
	}
	inst.Status = model.InstanceStatus(status)
	inst.CreatedAt = fromNanos(created)
	return inst, nil
}

// RecordInstance persists a freshly launched instance together with its
// session in one transaction.
func (s *Store) RecordInstance(ctx context.Context, inst model.Instance) error {
	now := s.stamp()
	if inst.Status == "" {
		inst.Status = model.StatusLaunched
	}
	return s.withTx(ctx, func(q querier) error {
		if _, err := q.exec(ctx, `
			INSERT INTO instances (instance_id, request_id, user_id, session_id, region, public_ip, ssh_username,
				ssh_connection_string, key_name, status, message, terminate_requested, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', FALSE, ?, ?)`,
			inst.InstanceID, inst.RequestID, inst.UserID, inst.SessionID, inst.Region, inst.PublicIP,
			inst.LoginUser, inst.ConnectionString, inst.KeyName, string(inst.Status), now, now); err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.InstanceID, err)
		}
		if _, err := q.exec(ctx, `
			INSERT INTO sessions (session_id, user_id, instance_id, is_ready, ready_at, created_at)
			VALUES (?, ?, ?, FALSE, 0, ?)`,
			inst.SessionID, inst.UserID, inst.InstanceID, now); err != nil {
			return fmt.Errorf("insert session %s: %w", inst.SessionID, err)
		}
		return nil
	})
}

func (s *Store) GetInstance(ctx context.Context, id string) (InstanceRow, error) {
	inst, err := scanInstance(s.q().queryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, id))
	if notFound(err) {
		return InstanceRow{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst, err
}

// ClaimInstance moves a launched instance to bootstrapping. ok is false when
// another worker already claimed it or it is in any other state.
func (s *Store) ClaimInstance(ctx context.Context, id string) (InstanceRow, bool, error) {
	n, err := s.q().exec(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE instance_id = ? AND status = ? AND terminate_requested = FALSE`,
		string(model.StatusBootstrapping), s.stamp(), id, string(model.StatusLaunched))
	if err != nil {
		return InstanceRow{}, false, fmt.Errorf("claim instance %s: %w", id, err)
	}
	if n == 0 {
		return InstanceRow{}, false, nil
	}
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return InstanceRow{}, false, err
	}
	return inst, true, nil
}

func (s *Store) SetInstanceStatus(ctx context.Context, id string, status model.InstanceStatus, message string) error {
	n, err := s.q().exec(ctx,
		`UPDATE instances SET status = ?, message = ?, updated_at = ? WHERE instance_id = ?`,
		string(status), message, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequestTerminate flags an instance for teardown. It is safe in any state.
func (s *Store) RequestTerminate(ctx context.Context, id string) error {
	n, err := s.q().exec(ctx,
		`UPDATE instances SET terminate_requested = TRUE, updated_at = ? WHERE instance_id = ?`,
		s.stamp(), id)
	if err != nil {
		return fmt.Errorf("request terminate %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) TerminateRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.q().queryRow(ctx, `SELECT terminate_requested FROM instances WHERE instance_id = ?`, id).Scan(&requested)
	if notFound(err) {
		return false, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return requested, err
}

// ActiveInstances lists every instance that is not terminated.
func (s *Store) ActiveInstances(ctx context.Context) ([]InstanceRow, error) {
	r, err := s.q().query(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status <> ? ORDER BY created_at`,
		string(model.StatusTerminated))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []InstanceRow
	for r.Next() {
		inst, err := scanInstance(r)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, r.Err()
}

// LaunchedInstanceIDs lists instances waiting for bootstrap.
func (s *Store) LaunchedInstanceIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT instance_id FROM instances WHERE status = ? AND terminate_requested = FALSE ORDER BY created_at`,
		string(model.StatusLaunched))
}

// TerminateRequestedIDs lists flagged instances that have no termination
// record yet.
func (s *Store) TerminateRequestedIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT instance_id FROM instances
		WHERE terminate_requested = TRUE AND status <> ?
		AND instance_id NOT IN (SELECT instance_id FROM terminated_instances)
		ORDER BY created_at`,
		string(model.StatusTerminated))
}

// MarkSessionReady flags the session ready once bootstrap has completed.
func (s *Store) MarkSessionReady(ctx context.Context, sessionID string) error {
	n, err := s.q().exec(ctx, `UPDATE sessions SET is_ready = TRUE, ready_at = ? WHERE session_id = ?`,
		s.stamp(), sessionID)
	if err != nil {
		return fmt.Errorf("mark session %s ready: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	var (
		sess  model.Session
		ready int64
	)
	err := s.q().queryRow(ctx,
		`SELECT session_id, user_id, instance_id, is_ready, ready_at FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.InstanceID, &sess.Ready, &ready)
	if notFound(err) {
		return model.Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return model.Session{}, err
	}
	sess.ReadyAt = fromNanos(ready)
	return sess, nil
}
