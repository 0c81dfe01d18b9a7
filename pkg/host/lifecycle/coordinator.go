// Package lifecycle drives each instance from launch request to teardown.
// Every instance runs its own sequential pipeline; pipelines never share
// state beyond the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"spire/pkg/host/artifact"
	"spire/pkg/host/events"
	"spire/pkg/host/notify"
	"spire/pkg/host/remote"
	"spire/pkg/host/store"
	"spire/pkg/host/terminate"
	"spire/pkg/host/tunnel"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/model"
)

var log = logger.New(os.Stdout)

// Phases published to the event hub in addition to the bootstrap phases.
const (
	PhaseLaunched   = "launched"
	PhaseReady      = "ready"
	PhaseClosing    = "closing"
	PhaseTerminated = "terminated"
	PhaseError      = "error"
)

var errStopRequested = errors.New("terminate requested")

type Store interface {
	ClaimLaunch(ctx context.Context, id string) (model.LaunchRequest, bool, error)
	ClaimInstance(ctx context.Context, id string) (store.InstanceRow, bool, error)
	GetInstance(ctx context.Context, id string) (store.InstanceRow, error)
	ActiveInstances(ctx context.Context) ([]store.InstanceRow, error)
	SetInstanceStatus(ctx context.Context, id string, status model.InstanceStatus, message string) error
	MarkSessionReady(ctx context.Context, sessionID string) error
}

type Provisioner interface {
	Provision(ctx context.Context, req model.LaunchRequest) (*model.Instance, error)
}

type Bootstrapper interface {
	AwaitReachable(ctx context.Context, t remote.Target) error
	Bootstrap(ctx context.Context, t remote.Target, sessionID string) error
}

type Tunnels interface {
	Open(ctx context.Context, t remote.Target) (*tunnel.Handle, error)
}

type Artifacts interface {
	Restore(ctx context.Context, t remote.Target, userID string) (artifact.RestoreResult, error)
	Collect(ctx context.Context, t remote.Target, sessionID string) (string, int, error)
	Backup(ctx context.Context, sessionID, userID, localFolder string) (artifact.BackupResult, error)
}

type Terminator interface {
	Terminate(ctx context.Context, req terminate.Request) (terminate.Result, error)
}

type KeyLoader interface {
	Load(instanceID string) ([]byte, error)
}

// HostKeys drops the pinned host key of a torn down instance.
type HostKeys interface {
	Forget(id string)
}

type Deps struct {
	Store       Store
	Provisioner Provisioner
	Bootstrap   Bootstrapper
	Tunnels     Tunnels
	Artifacts   Artifacts
	Terminator  Terminator
	Keys        KeyLoader
	HostKeys    HostKeys
	Hub         *events.Hub
}

// flight marks an instance with a running pipeline or teardown.
type flight struct {
	once sync.Once
	stop chan struct{}
}

func (f *flight) requestStop() { f.once.Do(func() { close(f.stop) }) }

func (f *flight) stopping() bool {
	select {
	case <-f.stop:
		return true
	default:
		return false
	}
}

type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	inflight map[string]*flight
	wg       sync.WaitGroup
}

func New(deps Deps) *Coordinator {
	return &Coordinator{deps: deps, inflight: make(map[string]*flight)}
}

// Run dispatches events until ctx ends or the channel closes. Pipelines
// started here keep running; use Wait to drain them.
func (c *Coordinator) Run(ctx context.Context, in <-chan notify.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			c.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles one event without blocking on the work it starts.
func (c *Coordinator) Dispatch(ctx context.Context, ev notify.Event) {
	var err error
	switch ev.Kind {
	case notify.KindLaunch:
		c.spawn(func() {
			if err := c.HandleLaunch(ctx, ev.ID); err != nil {
				log.Error("Launch %s: %v", ev.ID, err)
			}
		})
	case notify.KindInstance:
		err = c.HandleInstance(ctx, ev.ID)
	case notify.KindTerminate:
		err = c.HandleTerminate(ctx, ev.ID)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err != nil {
		log.Error("Event %s: %v", ev, err)
	}
}

// Wait blocks until every pipeline has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// HandleLaunch claims a pending launch request, provisions it and starts the
// instance pipeline. A request already claimed elsewhere is ignored.
func (c *Coordinator) HandleLaunch(ctx context.Context, requestID string) error {
	req, ok, err := c.deps.Store.ClaimLaunch(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("Launch request %s already claimed", requestID)
		return nil
	}

	// a created instance must be recorded, so provisioning ignores shutdown
	inst, err := c.deps.Provisioner.Provision(context.WithoutCancel(ctx), req)
	if err != nil {
		return err
	}
	c.publish(inst.InstanceID, inst.SessionID, PhaseLaunched, inst.ConnectionString)
	return c.HandleInstance(ctx, inst.InstanceID)
}

// HandleInstance starts the pipeline of a launched instance. Duplicate calls
// are absorbed by the in-flight set and the durable claim.
func (c *Coordinator) HandleInstance(ctx context.Context, instanceID string) error {
	f, fresh := c.reserve(instanceID)
	if !fresh {
		return nil
	}
	row, claimed, err := c.deps.Store.ClaimInstance(ctx, instanceID)
	if err != nil || !claimed {
		c.release(instanceID)
		return err
	}
	c.spawn(func() {
		defer c.release(instanceID)
		c.pipeline(ctx, f, row, true)
	})
	return nil
}

// HandleTerminate honours a queued terminate action. A running pipeline is
// asked to stop at its next step boundary, or has its tunnel closed; an idle
// instance is torn down directly.
func (c *Coordinator) HandleTerminate(ctx context.Context, instanceID string) error {
	f, fresh := c.reserve(instanceID)
	if !fresh {
		log.Info("Stopping lifecycle of %s", instanceID)
		f.requestStop()
		return nil
	}

	row, err := c.deps.Store.GetInstance(ctx, instanceID)
	if err != nil || !row.TerminateRequested || row.Status == model.StatusTerminated {
		c.release(instanceID)
		return err
	}

	c.spawn(func() {
		defer c.release(instanceID)
		work := context.WithoutCancel(ctx)
		switch row.Status {
		case model.StatusLaunched, model.StatusError:
			c.teardown(work, row, remote.Target{}, false, nil)
		default:
			t, err := c.target(row.Instance)
			if err != nil {
				c.fail(work, row, t, err)
				return
			}
			c.teardown(work, row, t, true, nil)
		}
	})
	return nil
}

// Resume picks up instances left behind by a previous process: launched ones
// are started, interrupted bootstraps rerun, and ready ones get their tunnel
// back.
func (c *Coordinator) Resume(ctx context.Context) error {
	rows, err := c.deps.Store.ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}
	for _, row := range rows {
		row := row
		if row.TerminateRequested {
			if err := c.HandleTerminate(ctx, row.InstanceID); err != nil {
				log.Error("Resume terminate of %s: %v", row.InstanceID, err)
			}
			continue
		}
		switch row.Status {
		case model.StatusLaunched:
			if err := c.HandleInstance(ctx, row.InstanceID); err != nil {
				log.Error("Resume %s: %v", row.InstanceID, err)
			}
		case model.StatusBootstrapping, model.StatusReady:
			f, fresh := c.reserve(row.InstanceID)
			if !fresh {
				continue
			}
			log.Info("Resuming %s instance %s", row.Status, row.InstanceID)
			c.spawn(func() {
				defer c.release(row.InstanceID)
				if row.Status == model.StatusReady {
					c.resumeReady(ctx, f, row)
					return
				}
				// restored files may already have been edited
				c.pipeline(ctx, f, row, false)
			})
		}
	}
	return nil
}

func (c *Coordinator) pipeline(ctx context.Context, f *flight, row store.InstanceRow, restore bool) {
	work := context.WithoutCancel(ctx)
	id := row.InstanceID

	t, err := c.target(row.Instance)
	if err != nil {
		c.fail(work, row, t, err)
		return
	}

	if err := c.deps.Bootstrap.AwaitReachable(work, t); err != nil {
		c.fail(work, row, t, err)
		return
	}
	if f.stopping() {
		c.teardown(work, row, t, false, nil)
		return
	}

	if restore {
		res, err := c.deps.Artifacts.Restore(work, t, row.UserID)
		switch {
		case err != nil:
			log.Warn("Restore onto %s failed, continuing with a fresh session: %v", id, err)
		case res.Performed():
			log.Info("Restored %d artifact(s) from session %s onto %s", len(res.Files), res.SessionID, id)
		}
	}
	if f.stopping() {
		c.teardown(work, row, t, false, nil)
		return
	}

	if err := c.deps.Bootstrap.Bootstrap(work, t, row.SessionID); err != nil {
		c.fail(work, row, t, err)
		return
	}
	if f.stopping() {
		c.teardown(work, row, t, true, nil)
		return
	}

	c.serve(ctx, f, row, t)
}

func (c *Coordinator) resumeReady(ctx context.Context, f *flight, row store.InstanceRow) {
	work := context.WithoutCancel(ctx)
	t, err := c.target(row.Instance)
	if err != nil {
		c.fail(work, row, t, err)
		return
	}
	c.serve(ctx, f, row, t)
}

// serve opens the tunnel, marks the session ready and waits for the tunnel to
// close or a terminate action. When ctx ends the tunnel is closed and the
// instance is left ready for the next process to resume.
func (c *Coordinator) serve(ctx context.Context, f *flight, row store.InstanceRow, t remote.Target) {
	work := context.WithoutCancel(ctx)
	id := row.InstanceID

	h, err := c.deps.Tunnels.Open(work, t)
	if err != nil {
		c.fail(work, row, t, err)
		return
	}
	if err := c.deps.Store.MarkSessionReady(work, row.SessionID); err != nil {
		h.Close()
		c.fail(work, row, t, err)
		return
	}
	if err := c.deps.Store.SetInstanceStatus(work, id, model.StatusReady, h.URL()); err != nil {
		h.Close()
		c.fail(work, row, t, err)
		return
	}
	c.publish(id, row.SessionID, PhaseReady, h.URL())
	log.Info("Session %s ready on %s", row.SessionID, h.URL())

	select {
	case <-h.Done():
		log.Info("Tunnel for %s closed: %v", id, h.Err())
	case <-f.stop:
		log.Info("Closing tunnel for %s on terminate request", id)
		h.Close()
	case <-ctx.Done():
		log.Info("Shutting down, leaving %s running", id)
		h.Close()
		return
	}
	c.publish(id, row.SessionID, PhaseClosing, "")
	c.teardown(work, row, t, true, nil)
}

// fail records cause on the instance and tears it down. An instance that
// never served a session is torn down with an explicitly skipped backup; one
// that was ready may hold user work, so its artifacts are collected first and
// the destroy is withheld if that fails.
func (c *Coordinator) fail(ctx context.Context, row store.InstanceRow, t remote.Target, cause error) {
	id := row.InstanceID
	wasReady := row.Status == model.StatusReady
	log.Error("Lifecycle of %s failed: %v", id, cause)
	if err := c.deps.Store.SetInstanceStatus(ctx, id, model.StatusError, cause.Error()); err != nil {
		log.Error("Failed to record error on %s: %v", id, err)
	}
	c.publish(id, row.SessionID, PhaseError, cause.Error())
	c.teardown(ctx, row, t, wasReady, cause)
}

// teardown optionally collects and backs up artifacts, then hands the
// instance to the termination guard. A failed lifecycle keeps its error
// status after the instance is destroyed.
func (c *Coordinator) teardown(ctx context.Context, row store.InstanceRow, t remote.Target, collect bool, cause error) {
	id := row.InstanceID
	req := terminate.Request{
		InstanceID:        id,
		UserID:            row.UserID,
		SessionID:         row.SessionID,
		Region:            row.Region,
		KeyName:           row.KeyName,
		ArtifactsBackedUp: true,
	}
	if collect {
		req.ArtifactsBackedUp, req.ArtifactCount = c.backup(ctx, row, t)
	}

	res, err := c.deps.Terminator.Terminate(ctx, req)
	if c.deps.HostKeys != nil {
		c.deps.HostKeys.Forget(id)
	}
	switch {
	case errors.Is(err, terminate.ErrArtifactsNotPreserved):
		c.setStatus(ctx, row, model.StatusError, PhaseError, "artifacts not preserved, instance left running")
	case err != nil:
		log.Error("Termination of %s failed: %v", id, err)
	case res.Duplicate:
		log.Info("Termination of %s already recorded", id)
	case !res.Destroyed:
		c.setStatus(ctx, row, model.StatusError, PhaseError, "destroy call failed, left for reconciliation")
	case cause != nil:
		c.publish(id, row.SessionID, PhaseTerminated, cause.Error())
	default:
		c.setStatus(ctx, row, model.StatusTerminated, PhaseTerminated,
			fmt.Sprintf("terminated with %d artifact(s) backed up", req.ArtifactCount))
	}
}

func (c *Coordinator) backup(ctx context.Context, row store.InstanceRow, t remote.Target) (bool, int) {
	folder, n, err := c.deps.Artifacts.Collect(ctx, t, row.SessionID)
	if err != nil {
		log.Error("Failed to collect artifacts from %s: %v", row.InstanceID, err)
		return false, 0
	}
	res, err := c.deps.Artifacts.Backup(ctx, row.SessionID, row.UserID, folder)
	if err != nil {
		log.Error("Failed to back up %d artifact(s) of session %s: %v", n, row.SessionID, err)
		return false, 0
	}
	return true, len(res.Uploaded)
}

func (c *Coordinator) setStatus(ctx context.Context, row store.InstanceRow, status model.InstanceStatus, phase, message string) {
	if err := c.deps.Store.SetInstanceStatus(ctx, row.InstanceID, status, message); err != nil {
		log.Error("Failed to set %s on %s: %v", status, row.InstanceID, err)
	}
	c.publish(row.InstanceID, row.SessionID, phase, message)
}

func (c *Coordinator) target(inst model.Instance) (remote.Target, error) {
	t := remote.Target{InstanceID: inst.InstanceID, User: inst.LoginUser, Host: inst.PublicIP}
	key, err := c.deps.Keys.Load(inst.InstanceID)
	if err != nil {
		return t, fmt.Errorf("load key of %s: %w", inst.InstanceID, err)
	}
	t.PrivateKey = key
	return t, nil
}

func (c *Coordinator) publish(instanceID, sessionID, phase, message string) {
	c.deps.Hub.Publish(events.Event{InstanceID: instanceID, SessionID: sessionID, Phase: phase, Message: message})
}

// reserve returns the flight of instanceID, creating it when none is
// running. fresh reports whether the caller now owns it.
func (c *Coordinator) reserve(instanceID string) (f *flight, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[instanceID]; ok {
		return f, false
	}
	f = &flight{stop: make(chan struct{})}
	c.inflight[instanceID] = f
	return f, true
}

func (c *Coordinator) release(instanceID string) {
	c.mu.Lock()
	delete(c.inflight, instanceID)
	c.mu.Unlock()
}

// InFlight reports the number of instances with a running pipeline.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Coordinator) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
