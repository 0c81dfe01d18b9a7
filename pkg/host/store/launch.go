package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"spire/pkg/shared/model"
)

const launchColumns = `id, user_id, instance_type, ami_id, region, status, message, created_at`

func scanLaunch(r row) (model.LaunchRequest, error) {
	var (
		req     model.LaunchRequest
		status  string
		created int64
	)
	err := r.Scan(&req.ID, &req.UserID, &req.InstanceType, &req.ImageID, &req.Region, &status, &req.Message, &created)
	if err != nil {
		return model.LaunchRequest{}, err
	}
	req.Status = model.QueueStatus(status)
	req.CreatedAt = fromNanos(created)
	return req, nil
}

// EnqueueLaunch inserts a pending launch request. An empty ID is assigned.
func (s *Store) EnqueueLaunch(ctx context.Context, req model.LaunchRequest) (model.LaunchRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.stamp()
	req.Status = model.QueuePending
	req.CreatedAt = fromNanos(now)

	_, err := s.q().exec(ctx, `
		INSERT INTO launch_queue (id, user_id, instance_type, ami_id, region, status, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		req.ID, req.UserID, req.InstanceType, req.ImageID, req.Region, string(req.Status), now, now)
	if err != nil {
		return model.LaunchRequest{}, fmt.Errorf("enqueue launch: %w", err)
	}
	return req, nil
}

func (s *Store) GetLaunch(ctx context.Context, id string) (model.LaunchRequest, error) {
	req, err := scanLaunch(s.q().queryRow(ctx, `SELECT `+launchColumns+` FROM launch_queue WHERE id = ?`, id))
	if notFound(err) {
		return model.LaunchRequest{}, fmt.Errorf("launch %s: %w", id, ErrNotFound)
	}
	return req, err
}

// ClaimLaunch moves a pending request to provisioning. ok is false when the
// request is missing or was already claimed.
func (s *Store) ClaimLaunch(ctx context.Context, id string) (req model.LaunchRequest, ok bool, err error) {
	n, err := s.q().exec(ctx,
		`UPDATE launch_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.QueueProvisioning), s.stamp(), id, string(model.QueuePending))
	if err != nil {
		return model.LaunchRequest{}, false, fmt.Errorf("claim launch %s: %w", id, err)
	}
	if n == 0 {
		return model.LaunchRequest{}, false, nil
	}
	req, err = s.GetLaunch(ctx, id)
	if err != nil {
		return model.LaunchRequest{}, false, err
	}
	return req, true, nil
}

func (s *Store) CompleteLaunch(ctx context.Context, id, message string) error {
	return s.finishLaunch(ctx, id, model.QueueComplete, message)
}

func (s *Store) FailLaunch(ctx context.Context, id, message string) error {
	return s.finishLaunch(ctx, id, model.QueueError, message)
}

func (s *Store) finishLaunch(ctx context.Context, id string, status model.QueueStatus, message string) error {
	n, err := s.q().exec(ctx,
		`UPDATE launch_queue SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update launch %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("launch %s: %w", id, ErrNotFound)
	}
	return nil
}

// PendingLaunchIDs lists unclaimed requests, oldest first.
func (s *Store) PendingLaunchIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM launch_queue WHERE status = ? ORDER BY created_at`, string(model.QueuePending))
}

func (s *Store) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	r, err := s.q().query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []string
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, r.Err()
}
