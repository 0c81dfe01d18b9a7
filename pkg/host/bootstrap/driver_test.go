package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spire/pkg/host/remote"
	"spire/pkg/host/remote/remotetest"
)

type recorder struct {
	mu     sync.Mutex
	phases   []Phase
	sessions []string
	sleeps   []time.Duration
}

func (r *recorder) observe(_, sessionID string, p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
	r.sessions = append(r.sessions, sessionID)
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

var target = remote.Target{InstanceID: "i-1", User: "ubuntu", Host: "10.0.0.5"}

func newDriver(t *testing.T, host *remotetest.Host, cfg Config) (*Driver, *recorder) {
	t.Helper()
	dialer := remotetest.NewDialer()
	dialer.Add(target.Host, host)
	rec := &recorder{}
	d := New(dialer, []byte("#!/bin/sh\nexit 0\n"), cfg, WithObserver(rec.observe), WithSleep(rec.sleep))
	return d, rec
}

func scripted(first error) func(string) ([]byte, error) {
	return func(cmd string) ([]byte, error) {
		if cmd == probeCommand || cmd == `sudo '/tmp/bootstrap-ec2.sh'` {
			return nil, nil
		}
		return nil, first
	}
}

func TestBootstrapFollowsReboot(t *testing.T) {
	host := remotetest.NewHost()
	// dial 1 is the initial connection; probes 2 and 3 hit a host that is
	// still down, probe 4 finds it back up.
	host.Reachable = func(attempt int) bool { return attempt == 1 || attempt >= 4 }
	host.OnRun = scripted(&remote.ExitError{Code: ExitReboot})

	d, rec := newDriver(t, host, Config{
		CallbackURL:   "https://example.test/functions/v1/ready",
		ServiceKey:    "svc'key",
		ProbeAttempts: 30,
		ProbeInterval: 10 * time.Second,
	})

	require.NoError(t, d.Bootstrap(context.Background(), target, "sess-1"))

	assert.Equal(t, []Phase{PhaseBootstrapping, PhaseRebooting, PhaseBootstrapping, PhaseReady}, rec.phases)
	assert.Equal(t, []string{"sess-1", "sess-1", "sess-1", "sess-1"}, rec.sessions)
	assert.Equal(t, 4, host.Dials())
	assert.Len(t, rec.sleeps, 3)
	for _, s := range rec.sleeps {
		assert.Equal(t, 10*time.Second, s)
	}

	runs := host.Runs()
	require.GreaterOrEqual(t, len(runs), 3)
	assert.Equal(t,
		`chmod +x '/tmp/bootstrap-ec2.sh' && sudo '/tmp/bootstrap-ec2.sh' 'https://example.test/functions/v1/ready' 'svc'\''key' 'sess-1'`,
		runs[0])
	assert.Equal(t, `sudo '/tmp/bootstrap-ec2.sh'`, runs[len(runs)-1])

	data, mode, ok := host.File("/tmp/bootstrap-ec2.sh")
	require.True(t, ok)
	assert.Equal(t, "#!/bin/sh\nexit 0\n", string(data))
	assert.Equal(t, 0o755, int(mode))
}

func TestBootstrapRebootBudgetExceeded(t *testing.T) {
	host := remotetest.NewHost()
	host.Reachable = func(attempt int) bool { return attempt == 1 }
	host.OnRun = scripted(&remote.ExitError{Code: ExitReboot})

	d, rec := newDriver(t, host, Config{ProbeAttempts: 5, ProbeInterval: time.Second})

	err := d.Bootstrap(context.Background(), target, "sess-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRebootBudgetExceeded))

	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "reboot-wait", berr.Stage)

	assert.Len(t, rec.sleeps, 5)
	assert.Equal(t, 6, host.Dials())
	assert.Equal(t, PhaseError, rec.phases[len(rec.phases)-1])
}

func TestBootstrapNonRebootExitIsFatal(t *testing.T) {
	host := remotetest.NewHost()
	host.OnRun = scripted(&remote.ExitError{Code: 1, Stderr: "apt failed"})

	d, rec := newDriver(t, host, Config{})

	err := d.Bootstrap(context.Background(), target, "sess-1")
	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "run", berr.Stage)
	code, ok := remote.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)

	assert.Empty(t, rec.sleeps)
	assert.Equal(t, 1, host.Dials())
	assert.Equal(t, []Phase{PhaseBootstrapping, PhaseError}, rec.phases)
}

func TestBootstrapRebootLimit(t *testing.T) {
	host := remotetest.NewHost()
	host.OnRun = func(cmd string) ([]byte, error) {
		if cmd == probeCommand {
			return nil, nil
		}
		return nil, &remote.ExitError{Code: ExitReboot}
	}

	d, rec := newDriver(t, host, Config{MaxReboots: 2})

	err := d.Bootstrap(context.Background(), target, "sess-1")
	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "run", berr.Stage)

	rebooting := 0
	for _, p := range rec.phases {
		if p == PhaseRebooting {
			rebooting++
		}
	}
	assert.Equal(t, 2, rebooting)
}

func TestAwaitReachable(t *testing.T) {
	host := remotetest.NewHost()
	host.Reachable = func(attempt int) bool { return attempt >= 3 }

	d, rec := newDriver(t, host, Config{ProbeAttempts: 4})
	require.NoError(t, d.AwaitReachable(context.Background(), target))
	assert.Equal(t, 3, host.Dials())
	assert.Len(t, rec.sleeps, 2)

	unreachable := remotetest.NewHost()
	unreachable.Reachable = func(int) bool { return false }
	d, _ = newDriver(t, unreachable, Config{ProbeAttempts: 2})
	err := d.AwaitReachable(context.Background(), target)
	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "reachability", berr.Stage)
}

func TestProbeStopsOnCancel(t *testing.T) {
	host := remotetest.NewHost()
	host.Reachable = func(int) bool { return false }

	dialer := remotetest.NewDialer()
	dialer.Add(target.Host, host)
	ctx, cancel := context.WithCancel(context.Background())
	d := New(dialer, nil, Config{ProbeAttempts: 30}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	err := d.AwaitReachable(ctx, target)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, host.Dials())
}
