// Package provision turns a launch request into a recorded, running instance.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"spire/pkg/cloud/ec2"
	"spire/pkg/host/policy"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/metrics"
	"spire/pkg/shared/model"
)

var log = logger.New(os.Stdout)

// LaunchedMessage is written to a launch request that produced an instance.
const LaunchedMessage = "Instance launched"

// Steps of a provisioning run, reported in ProvisionError.
const (
	StepAdmission     = "admission"
	StepDescribeImage = "describe-image"
	StepKeygen        = "keygen"
	StepImportKey     = "import-key"
	StepRun           = "run"
	StepSaveKey       = "save-key"
	StepPersist       = "persist"
)

type ProvisionError struct {
	RequestID string
	Step      string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.RequestID, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Cloud is the part of the compute API the provisioner needs.
type Cloud interface {
	DescribeImageName(ctx context.Context, region, imageID string) (string, error)
	ImportKeyPair(ctx context.Context, region, name string, publicKey []byte) error
	DeleteKeyPair(ctx context.Context, region, name string) error
	RunInstance(ctx context.Context, in ec2.RunInput) (*ec2.RunOutput, error)
	TerminateInstances(ctx context.Context, region string, ids ...string) error
}

type Admitter interface {
	Admit(ctx context.Context, req model.LaunchRequest) (*policy.Verdict, error)
}

// KeySaver stores the private key of an instance and returns its path.
type KeySaver interface {
	Save(instanceID string, pem []byte) (string, error)
}

type Recorder interface {
	RecordInstance(ctx context.Context, inst model.Instance) error
	CompleteLaunch(ctx context.Context, id, message string) error
	FailLaunch(ctx context.Context, id, message string) error
}

type Provisioner struct {
	cloud    Cloud
	records  Recorder
	keys     KeySaver
	admitter Admitter
	accounts AccountTable
	metrics  *metrics.Metrics
	keygen   func() (*KeyPair, error)
	newID    func() string
}

type Option func(*Provisioner)

func WithAdmitter(a Admitter) Option {
	return func(p *Provisioner) { p.admitter = a }
}

func WithAccountTable(t AccountTable) Option {
	return func(p *Provisioner) { p.accounts = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

func New(cloud Cloud, records Recorder, keys KeySaver, opts ...Option) *Provisioner {
	p := &Provisioner{
		cloud:    cloud,
		records:  records,
		keys:     keys,
		accounts: DefaultAccountTable,
		keygen:   GenerateKeyPair,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision runs every step for req and writes the outcome back to the
// launch request. A failed step is not retried.
func (p *Provisioner) Provision(ctx context.Context, req model.LaunchRequest) (*model.Instance, error) {
	inst, err := p.provision(ctx, req)
	if err != nil {
		log.Error("Launch request %s failed: %v", req.ID, err)
		p.metrics.Launch("error")
		if ferr := p.records.FailLaunch(ctx, req.ID, err.Error()); ferr != nil {
			log.Error("Failed to mark launch request %s as error: %v", req.ID, ferr)
		}
		return nil, err
	}

	if err := p.records.CompleteLaunch(ctx, req.ID, LaunchedMessage); err != nil {
		log.Warn("Failed to mark launch request %s complete: %v", req.ID, err)
	}
	p.metrics.Launch("launched")
	log.Info("Instance %s launched for request %s at %s", inst.InstanceID, req.ID, inst.Address())
	return inst, nil
}

func (p *Provisioner) provision(ctx context.Context, req model.LaunchRequest) (*model.Instance, error) {
	fail := func(step string, err error) error {
		return &ProvisionError{RequestID: req.ID, Step: step, Err: err}
	}
	region := req.RegionOrDefault()

	if p.admitter != nil {
		verdict, err := p.admitter.Admit(ctx, req)
		if err != nil {
			return nil, fail(StepAdmission, err)
		}
		if !verdict.Allow {
			return nil, fail(StepAdmission, errors.New(verdict.Reason))
		}
	}

	imageName, err := p.cloud.DescribeImageName(ctx, region, req.ImageID)
	if err != nil {
		return nil, fail(StepDescribeImage, err)
	}
	loginUser := p.accounts.DetermineLoginAccount(imageName)
	log.Debug("Image %s (%s) uses login account %s", req.ImageID, imageName, loginUser)

	pair, err := p.keygen()
	if err != nil {
		return nil, fail(StepKeygen, err)
	}

	keyName := "spire-key-" + p.newID()
	if err := p.cloud.ImportKeyPair(ctx, region, keyName, pair.AuthorizedKey); err != nil {
		return nil, fail(StepImportKey, err)
	}

	out, err := p.cloud.RunInstance(ctx, ec2.RunInput{
		Region:       region,
		ImageID:      req.ImageID,
		InstanceType: req.InstanceType,
		KeyName:      keyName,
		Tags: map[string]string{
			"spire:request-id": req.ID,
			"spire:user-id":    req.UserID,
		},
	})
	if err != nil {
		p.deleteKey(region, keyName)
		return nil, fail(StepRun, err)
	}
	if out.InstanceID == "" {
		p.deleteKey(region, keyName)
		return nil, fail(StepRun, errors.New("response carried no instance id"))
	}
	if out.PublicIP == "" {
		p.discard(region, out.InstanceID, keyName)
		return nil, fail(StepRun, fmt.Errorf("instance %s has no public address", out.InstanceID))
	}

	keyPath, err := p.keys.Save(out.InstanceID, pair.Private)
	if err != nil {
		p.discard(region, out.InstanceID, keyName)
		return nil, fail(StepSaveKey, err)
	}

	inst := model.Instance{
		InstanceID:       out.InstanceID,
		RequestID:        req.ID,
		UserID:           req.UserID,
		SessionID:        p.newID(),
		Region:           region,
		PublicIP:         out.PublicIP,
		LoginUser:        loginUser,
		KeyName:          keyName,
		PrivateKey:       pair.Private,
		Status:           model.StatusLaunched,
		ConnectionString: fmt.Sprintf("ssh -i %s %s@%s", keyPath, loginUser, out.PublicIP),
	}
	if err := p.records.RecordInstance(ctx, inst); err != nil {
		p.discard(region, out.InstanceID, keyName)
		return nil, fail(StepPersist, err)
	}
	return &inst, nil
}

// discard destroys an instance that could not be tracked. The local key file,
// if any, is left for the operator since the destroy call may have failed.
func (p *Provisioner) discard(region, instanceID, keyName string) {
	ctx := context.Background()
	if err := p.cloud.TerminateInstances(ctx, region, instanceID); err != nil {
		log.Error("Failed to destroy untracked instance %s: %v", instanceID, err)
		return
	}
	log.Warn("Destroyed untracked instance %s", instanceID)
	p.deleteKey(region, keyName)
}

func (p *Provisioner) deleteKey(region, keyName string) {
	if err := p.cloud.DeleteKeyPair(context.Background(), region, keyName); err != nil {
		log.Warn("Failed to delete key pair %s: %v", keyName, err)
	}
}
