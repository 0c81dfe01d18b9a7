package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spire/pkg/shared/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "spire.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestDetectBackend(t *testing.T) {
	assert.Equal(t, BackendSQLite, DetectBackend("sqlite:///tmp/x.db"))
	assert.Equal(t, BackendSQLite, DetectBackend("file:x.db"))
	assert.Equal(t, BackendPostgres, DetectBackend("postgres://u:p@localhost:5432/db"))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", rebind("UPDATE t SET a = ? WHERE b = ? AND c = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestLaunchQueueClaimOnce(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	req, err := s.EnqueueLaunch(ctx, model.LaunchRequest{UserID: "u1", InstanceType: "g4dn.xlarge", ImageID: "ami-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, model.QueuePending, req.Status)

	pending, err := s.PendingLaunchIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, pending)

	// duplicate notifications race for the same row; exactly one wins
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimLaunch(ctx, req.ID)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetLaunch(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueProvisioning, got.Status)
	assert.Equal(t, "us-east-1", got.RegionOrDefault())

	require.NoError(t, s.CompleteLaunch(ctx, req.ID, "Instance launched"))
	got, err = s.GetLaunch(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueComplete, got.Status)
	assert.Equal(t, "Instance launched", got.Message)

	pending, err = s.PendingLaunchIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.GetLaunch(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.FailLaunch(ctx, "missing", "x"), ErrNotFound))
}

func sampleInstance() model.Instance {
	return model.Instance{
		InstanceID:       "i-0abc",
		RequestID:        "req-1",
		UserID:           "u1",
		SessionID:        "sess-1",
		Region:           "us-east-1",
		PublicIP:         "52.1.2.3",
		LoginUser:        "ubuntu",
		KeyName:          "spire-key-1",
		ConnectionString: "ssh -i ~/.ssh/spire-key-1.pem ubuntu@52.1.2.3",
	}
}

func TestInstanceLifecycleRows(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInstance(ctx, sampleInstance()))

	inst, err := s.GetInstance(ctx, "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLaunched, inst.Status)
	assert.Equal(t, "ubuntu@52.1.2.3", inst.Address())
	assert.False(t, inst.TerminateRequested)

	ids, err := s.LaunchedInstanceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-0abc"}, ids)

	claimed, ok, err := s.ClaimInstance(ctx, "i-0abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusBootstrapping, claimed.Status)

	_, ok, err = s.ClaimInstance(ctx, "i-0abc")
	require.NoError(t, err)
	assert.False(t, ok)

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, sess.Ready)
	require.NoError(t, s.MarkSessionReady(ctx, "sess-1"))
	sess, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Ready)
	assert.False(t, sess.ReadyAt.IsZero())

	require.NoError(t, s.SetInstanceStatus(ctx, "i-0abc", model.StatusReady, ""))
	require.NoError(t, s.RequestTerminate(ctx, "i-0abc"))
	requested, err := s.TerminateRequested(ctx, "i-0abc")
	require.NoError(t, err)
	assert.True(t, requested)

	ids, err = s.TerminateRequestedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-0abc"}, ids)

	require.NoError(t, s.SetInstanceStatus(ctx, "i-0abc", model.StatusTerminated, ""))
	ids, err = s.TerminateRequestedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	active, err := s.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.True(t, errors.Is(s.RequestTerminate(ctx, "i-missing"), ErrNotFound))
}

func TestRecordInstanceIsAtomic(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInstance(ctx, sampleInstance()))

	// same session id again: the instance insert must roll back with it
	dup := sampleInstance()
	dup.InstanceID = "i-0def"
	require.Error(t, s.RecordInstance(ctx, dup))

	_, err := s.GetInstance(ctx, "i-0def")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClaimSkipsTerminateRequested(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInstance(ctx, sampleInstance()))
	require.NoError(t, s.RequestTerminate(ctx, "i-0abc"))

	_, ok, err := s.ClaimInstance(ctx, "i-0abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminationRecords(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, found, err := s.LatestTermination(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, found)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	inserted, err := s.RecordTermination(ctx, model.TerminationRecord{
		InstanceID: "i-1", UserID: "u1", SessionID: "s-1", TerminatedAt: base, ArtifactsBackedUp: true, ArtifactCount: 2,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.RecordTermination(ctx, model.TerminationRecord{
		InstanceID: "i-2", UserID: "u1", SessionID: "s-2", TerminatedAt: base.Add(time.Hour), ArtifactsBackedUp: true,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// the record is append-only
	inserted, err = s.RecordTermination(ctx, model.TerminationRecord{InstanceID: "i-1", UserID: "u1", SessionID: "s-x"})
	require.NoError(t, err)
	assert.False(t, inserted)

	rec, err := s.GetTermination(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", rec.SessionID)
	assert.True(t, rec.ArtifactsBackedUp)
	assert.Equal(t, 2, rec.ArtifactCount)
	assert.True(t, base.Equal(rec.TerminatedAt))

	latest, found, err := s.LatestTermination(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s-2", latest.SessionID)

	_, found, err = s.LatestTermination(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReopenKeepsData(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "nested", "spire.sqlite3")
	ctx := context.Background()

	s, err := Open(ctx, url)
	require.NoError(t, err)
	require.NoError(t, s.RecordInstance(ctx, sampleInstance()))
	connected, _ := s.ConnectionState()
	assert.True(t, connected)
	s.Close()

	s, err = Open(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	inst, err := s.GetInstance(ctx, "i-0abc")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", inst.SessionID)
}

func TestPingTracksConnectionState(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Ping(context.Background()))
	connected, lastErr := s.ConnectionState()
	assert.True(t, connected)
	assert.Empty(t, lastErr)

	s.Close()
	require.Error(t, s.Ping(context.Background()))
	connected, lastErr = s.ConnectionState()
	assert.False(t, connected)
	assert.NotEmpty(t, lastErr)
}

func TestTerminateSweepSkipsRecordedInstances(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInstance(ctx, sampleInstance()))
	require.NoError(t, s.RequestTerminate(ctx, "i-0abc"))
	require.NoError(t, s.SetInstanceStatus(ctx, "i-0abc", model.StatusError, "bootstrap failed"))

	ids, err := s.TerminateRequestedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-0abc"}, ids)

	_, err = s.RecordTermination(ctx, model.TerminationRecord{InstanceID: "i-0abc", UserID: "u1", SessionID: "s-1"})
	require.NoError(t, err)

	ids, err = s.TerminateRequestedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
