// Package model holds the rows shared between the store and the lifecycle
// components.
package model

import (
	"fmt"
	"time"
)

// QueueStatus is the status column of a launch request.
type QueueStatus string

const (
	QueuePending      QueueStatus = "pending"
	QueueProvisioning QueueStatus = "provisioning"
	QueueComplete     QueueStatus = "complete"
	QueueError        QueueStatus = "error"
)

// InstanceStatus is the persisted lifecycle status of a provisioned instance.
type InstanceStatus string

const (
	StatusLaunched      InstanceStatus = "launched"
	StatusBootstrapping InstanceStatus = "bootstrapping"
	StatusReady         InstanceStatus = "ready"
	StatusTerminated    InstanceStatus = "terminated"
	StatusError         InstanceStatus = "error"
)

// DefaultRegion is used when a launch request leaves the region empty.
const DefaultRegion = "us-east-1"

// LaunchRequest is a row of the launch queue. It is consumed once.
type LaunchRequest struct {
	ID           string
	UserID       string
	InstanceType string
	ImageID      string
	Region       string
	Status       QueueStatus
	Message      string
	CreatedAt    time.Time
}

// RegionOrDefault returns the request region, falling back to DefaultRegion.
func (r LaunchRequest) RegionOrDefault() string {
	if r.Region == "" {
		return DefaultRegion
	}
	return r.Region
}

// Instance is a provisioned compute instance. PrivateKey is the only
// credential for every SSH operation against it and is never regenerated.
type Instance struct {
	InstanceID       string
	RequestID        string
	UserID           string
	SessionID        string
	Region           string
	PublicIP         string
	LoginUser        string
	KeyName          string
	PrivateKey       []byte
	ConnectionString string
	Status           InstanceStatus
	Message          string
	CreatedAt        time.Time
}

// Address returns login_user@public_ip.
func (i Instance) Address() string {
	return fmt.Sprintf("%s@%s", i.LoginUser, i.PublicIP)
}

// Session ties a user session to exactly one instance.
type Session struct {
	SessionID  string
	UserID     string
	InstanceID string
	Ready      bool
	ReadyAt    time.Time
}

// TerminationRecord is append-only evidence that an instance was torn down.
type TerminationRecord struct {
	InstanceID        string
	UserID            string
	SessionID         string
	TerminatedAt      time.Time
	ArtifactsBackedUp bool
	ArtifactCount     int
}
