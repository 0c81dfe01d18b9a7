// Package bootstrap copies the setup program to a fresh instance, runs it and
// follows it through the reboots it asks for.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"spire/pkg/host/remote"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/metrics"
)

var log = logger.New(os.Stdout)

// ExitReboot is the exit status the bootstrap program uses to announce that
// the instance is about to reboot.
const ExitReboot = 100

type Phase string

const (
	PhaseBootstrapping Phase = "bootstrapping"
	PhaseRebooting     Phase = "rebooting"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
)

var ErrRebootBudgetExceeded = errors.New("instance did not return from reboot within budget")

// BootstrapError is a fatal bootstrap failure at the named stage.
type BootstrapError struct {
	InstanceID string
	Stage      string
	Err        error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed at %s: %v", e.InstanceID, e.Stage, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

type Config struct {
	RemotePath    string
	CallbackURL   string
	ServiceKey    string
	ProbeAttempts int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	MaxReboots    int
}

func (c Config) withDefaults() Config {
	if c.RemotePath == "" {
		c.RemotePath = "/tmp/bootstrap-ec2.sh"
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 30
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.MaxReboots <= 0 {
		c.MaxReboots = 3
	}
	return c
}

// Observer is told about every phase transition of an instance and the
// session it is being prepared for.
type Observer func(instanceID, sessionID string, phase Phase)

type Option func(*Driver)

func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observe = o }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

var (
	firstRun = remote.MustCommand("first-run",
		`chmod +x {{quote .Path}} && sudo {{quote .Path}} {{quote .CallbackURL}} {{quote .ServiceKey}} {{quote .SessionID}}`)
	resumeRun = remote.MustCommand("resume-run", `sudo {{quote .Path}}`)
)

const probeCommand = "true"

type Driver struct {
	dialer  remote.Dialer
	script  []byte
	cfg     Config
	observe Observer
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
}

func New(dialer remote.Dialer, script []byte, cfg Config, opts ...Option) *Driver {
	d := &Driver{
		dialer:  dialer,
		script:  script,
		cfg:     cfg.withDefaults(),
		observe: func(string, string, Phase) {},
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AwaitReachable blocks until a trivial command succeeds on t or the probe
// budget runs out.
func (d *Driver) AwaitReachable(ctx context.Context, t remote.Target) error {
	c, err := d.probe(ctx, t, false)
	if err != nil {
		return &BootstrapError{InstanceID: t.InstanceID, Stage: "reachability", Err: err}
	}
	return c.Close()
}

// Bootstrap copies the program to the instance and runs it to completion,
// waiting out each reboot the program announces.
func (d *Driver) Bootstrap(ctx context.Context, t remote.Target, sessionID string) error {
	start := time.Now()
	id := t.InstanceID
	d.observe(id, sessionID, PhaseBootstrapping)

	err := d.bootstrap(ctx, t, sessionID)
	if err != nil {
		d.observe(id, sessionID, PhaseError)
		return err
	}
	d.metrics.BootstrapDone(time.Since(start))
	d.observe(id, sessionID, PhaseReady)
	log.Info("Instance %s bootstrapped in %s", id, time.Since(start).Round(time.Second))
	return nil
}

func (d *Driver) bootstrap(ctx context.Context, t remote.Target, sessionID string) error {
	id := t.InstanceID
	fail := func(stage string, err error) error {
		return &BootstrapError{InstanceID: id, Stage: stage, Err: err}
	}

	c, err := d.dialer.Dial(ctx, t)
	if err != nil {
		return fail("connect", err)
	}
	defer func() {
		if c != nil {
			c.Close()
		}
	}()

	if err := c.Upload(ctx, bytes.NewReader(d.script), d.cfg.RemotePath, 0o755); err != nil {
		return fail("copy", err)
	}

	cmd, err := firstRun.Render(map[string]string{
		"Path":        d.cfg.RemotePath,
		"CallbackURL": d.cfg.CallbackURL,
		"ServiceKey":  d.cfg.ServiceKey,
		"SessionID":   sessionID,
	})
	if err != nil {
		return fail("render", err)
	}

	for reboots := 0; ; reboots++ {
		_, err = c.Run(ctx, cmd)
		if err == nil {
			return nil
		}
		code, ok := remote.ExitCode(err)
		if !ok || code != ExitReboot {
			return fail("run", err)
		}
		if reboots >= d.cfg.MaxReboots {
			return fail("run", fmt.Errorf("reboot requested %d times, limit is %d", reboots+1, d.cfg.MaxReboots))
		}

		log.Info("Instance %s is rebooting", id)
		d.metrics.Reboot()
		d.observe(id, sessionID, PhaseRebooting)
		c.Close()

		c, err = d.probe(ctx, t, true)
		if err != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("%w: %v", ErrRebootBudgetExceeded, err)
			}
			return fail("reboot-wait", err)
		}
		d.observe(id, sessionID, PhaseBootstrapping)

		if cmd, err = resumeRun.Render(map[string]string{"Path": d.cfg.RemotePath}); err != nil {
			return fail("render", err)
		}
	}
}

// probe dials t until a trivial command succeeds. The returned client stays
// open for the caller. When waitFirst is set the loop sleeps before the first
// attempt so a host that is still going down is not mistaken for one that
// came back.
func (d *Driver) probe(ctx context.Context, t remote.Target, waitFirst bool) (remote.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.ProbeAttempts; attempt++ {
		if attempt > 1 || waitFirst {
			if err := d.sleep(ctx, d.cfg.ProbeInterval); err != nil {
				return nil, err
			}
		}

		c, err := d.tryProbe(ctx, t)
		if err == nil {
			log.Debug("Instance %s reachable after %d probe(s)", t.InstanceID, attempt)
			return c, nil
		}
		lastErr = err
		log.Debug("Probe %d/%d for %s failed: %v", attempt, d.cfg.ProbeAttempts, t.InstanceID, err)
	}
	return nil, fmt.Errorf("no response after %d probes: %w", d.cfg.ProbeAttempts, lastErr)
}

func (d *Driver) tryProbe(ctx context.Context, t remote.Target) (remote.Client, error) {
	pctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	c, err := d.dialer.Dial(pctx, t)
	if err != nil {
		return nil, err
	}
	if _, err := c.Run(pctx, probeCommand); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
