package store

import (
	"context"
	"fmt"

	"spire/pkg/shared/model"
)

// RecordTermination appends the termination record for an instance. The
// record is written at most once; inserted is false when one already exists.
func (s *Store) RecordTermination(ctx context.Context, rec model.TerminationRecord) (inserted bool, err error) {
	if rec.TerminatedAt.IsZero() {
		rec.TerminatedAt = s.now()
	}
	_, err = s.q().exec(ctx, `
		INSERT INTO terminated_instances (instance_id, user_id, session_id, terminated_at, artifacts_backed_up, artifact_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.UserID, rec.SessionID, rec.TerminatedAt.UnixNano(), rec.ArtifactsBackedUp, rec.ArtifactCount)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record termination %s: %w", rec.InstanceID, err)
	}
	return true, nil
}

const terminationColumns = `instance_id, user_id, session_id, terminated_at, artifacts_backed_up, artifact_count`

func scanTermination(r row) (model.TerminationRecord, error) {
	var (
		rec model.TerminationRecord
		ts  int64
	)
	if err := r.Scan(&rec.InstanceID, &rec.UserID, &rec.SessionID, &ts, &rec.ArtifactsBackedUp, &rec.ArtifactCount); err != nil {
		return model.TerminationRecord{}, err
	}
	rec.TerminatedAt = fromNanos(ts)
	return rec, nil
}

func (s *Store) GetTermination(ctx context.Context, instanceID string) (model.TerminationRecord, error) {
	rec, err := scanTermination(s.q().queryRow(ctx,
		`SELECT `+terminationColumns+` FROM terminated_instances WHERE instance_id = ?`, instanceID))
	if notFound(err) {
		return model.TerminationRecord{}, fmt.Errorf("termination %s: %w", instanceID, ErrNotFound)
	}
	return rec, err
}

// LatestTermination returns the user's most recent termination record.
func (s *Store) LatestTermination(ctx context.Context, userID string) (model.TerminationRecord, bool, error) {
	rec, err := scanTermination(s.q().queryRow(ctx,
		`SELECT `+terminationColumns+` FROM terminated_instances WHERE user_id = ? ORDER BY terminated_at DESC LIMIT 1`, userID))
	if notFound(err) {
		return model.TerminationRecord{}, false, nil
	}
	if err != nil {
		return model.TerminationRecord{}, false, fmt.Errorf("latest termination for %s: %w", userID, err)
	}
	return rec, true, nil
}
