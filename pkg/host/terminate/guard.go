// Package terminate tears down instances. The termination record is durable
// before the destroy call is issued, so a crash in between leaves evidence
// that the artifacts were preserved but the instance may still be running.
package terminate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"spire/pkg/shared/logger"
	"spire/pkg/shared/metrics"
	"spire/pkg/shared/model"
)

var log = logger.New(os.Stdout)

var ErrArtifactsNotPreserved = errors.New("artifacts not preserved, destroy withheld")

type Recorder interface {
	// RecordTermination writes the record once; inserted is false when a
	// record already exists for the instance.
	RecordTermination(ctx context.Context, rec model.TerminationRecord) (inserted bool, err error)
}

type Destroyer interface {
	TerminateInstances(ctx context.Context, region string, ids ...string) error
}

// KeyCleaner removes the credentials of a destroyed instance.
type KeyCleaner interface {
	DeleteKeyPair(ctx context.Context, region, name string) error
}

type LocalKeys interface {
	Discard(instanceID string) error
}

// Request names the instance to tear down and the outcome of its backup.
type Request struct {
	InstanceID        string
	UserID            string
	SessionID         string
	Region            string
	KeyName           string
	ArtifactsBackedUp bool
	ArtifactCount     int
}

// Result reports what the guard did.
type Result struct {
	Recorded  bool
	Destroyed bool
	Duplicate bool
}

type Guard struct {
	records   Recorder
	destroyer Destroyer
	keys      KeyCleaner
	local     LocalKeys
	now       func() time.Time
	metrics   *metrics.Metrics
}

func New(records Recorder, destroyer Destroyer, keys KeyCleaner, local LocalKeys, m *metrics.Metrics) *Guard {
	return &Guard{
		records:   records,
		destroyer: destroyer,
		keys:      keys,
		local:     local,
		now:       time.Now,
		metrics:   m,
	}
}

// Terminate records the termination and then destroys the instance. A second
// call for the same instance finds the existing record and does nothing. A
// destroy failure is logged and not retried.
func (g *Guard) Terminate(ctx context.Context, req Request) (Result, error) {
	var res Result
	if req.InstanceID == "" {
		return res, errors.New("terminate: missing instance id")
	}

	inserted, err := g.records.RecordTermination(ctx, model.TerminationRecord{
		InstanceID:        req.InstanceID,
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		TerminatedAt:      g.now().UTC(),
		ArtifactsBackedUp: req.ArtifactsBackedUp,
		ArtifactCount:     req.ArtifactCount,
	})
	if err != nil {
		g.metrics.Termination("record_failed")
		return res, fmt.Errorf("record termination of %s: %w", req.InstanceID, err)
	}
	if !inserted {
		log.Info("Instance %s already has a termination record, skipping", req.InstanceID)
		g.metrics.Termination("duplicate")
		res.Duplicate = true
		return res, nil
	}
	res.Recorded = true

	if !req.ArtifactsBackedUp {
		log.Warn("Instance %s: artifacts were not backed up, leaving it running", req.InstanceID)
		g.metrics.Termination("withheld")
		return res, ErrArtifactsNotPreserved
	}

	if err := g.destroyer.TerminateInstances(ctx, req.Region, req.InstanceID); err != nil {
		log.Error("Failed to destroy instance %s: %v", req.InstanceID, err)
		g.metrics.Termination("destroy_failed")
		return res, nil
	}
	res.Destroyed = true
	g.metrics.Termination("destroyed")
	log.Info("Instance %s terminated", req.InstanceID)

	g.cleanupKeys(ctx, req)
	return res, nil
}

func (g *Guard) cleanupKeys(ctx context.Context, req Request) {
	if g.keys != nil && req.KeyName != "" {
		if err := g.keys.DeleteKeyPair(ctx, req.Region, req.KeyName); err != nil {
			log.Warn("Failed to delete key pair %s: %v", req.KeyName, err)
		}
	}
	if g.local != nil {
		if err := g.local.Discard(req.InstanceID); err != nil {
			log.Warn("Failed to discard local key for %s: %v", req.InstanceID, err)
		}
	}
}
