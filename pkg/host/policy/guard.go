// Package policy admits or rejects launch requests before any billable
// resource is created.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"spire/pkg/shared/model"
)

// LaunchInput is the request half of the policy input.
type LaunchInput struct {
	UserID       string `json:"user_id"`
	InstanceType string `json:"instance_type"`
	ImageID      string `json:"image_id"`
	Region       string `json:"region"`
}

// Limits are the configured allowlists. An empty list allows any value.
type Limits struct {
	InstanceTypes []string `json:"instance_types"`
	Regions       []string `json:"regions"`
}

type evaluationInput struct {
	Request LaunchInput `json:"request"`
	Limits  Limits      `json:"limits"`
}

type Verdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// LaunchPolicy is the Rego source of the launch guard.
const LaunchPolicy = `
package spire.launch

import future.keywords.in

default allow = false
default reason = ""

has_user {
    input.request.user_id != ""
}

has_image {
    input.request.image_id != ""
}

instance_type_allowed {
    count(input.limits.instance_types) == 0
}

instance_type_allowed {
    input.request.instance_type in input.limits.instance_types
}

region_allowed {
    count(input.limits.regions) == 0
}

region_allowed {
    input.request.region in input.limits.regions
}

allow {
    has_user
    has_image
    instance_type_allowed
    region_allowed
}

reason = "missing user id" {
    not has_user
}

reason = "missing image id" {
    has_user
    not has_image
}

reason = msg {
    has_user
    has_image
    not instance_type_allowed
    msg := sprintf("instance type %s is not allowed", [input.request.instance_type])
}

reason = msg {
    has_user
    has_image
    instance_type_allowed
    not region_allowed
    msg := sprintf("region %s is not allowed", [input.request.region])
}

verdict = {
    "allow": allow,
    "reason": reason
}
`

type Guard struct {
	evaluator rego.PreparedEvalQuery
	limits    Limits
}

func New(ctx context.Context, limits Limits) (*Guard, error) {
	r := rego.New(
		rego.Query("data.spire.launch.verdict"),
		rego.Module("launch.rego", LaunchPolicy),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	if limits.InstanceTypes == nil {
		limits.InstanceTypes = []string{}
	}
	if limits.Regions == nil {
		limits.Regions = []string{}
	}
	return &Guard{evaluator: query, limits: limits}, nil
}

// Admit evaluates a launch request against the configured limits.
func (g *Guard) Admit(ctx context.Context, req model.LaunchRequest) (*Verdict, error) {
	input := evaluationInput{
		Request: LaunchInput{
			UserID:       req.UserID,
			InstanceType: req.InstanceType,
			ImageID:      req.ImageID,
			Region:       req.RegionOrDefault(),
		},
		Limits: g.limits,
	}

	results, err := g.evaluator.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("eval error: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no results from policy evaluation")
	}
	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in policy evaluation result")
	}

	val := results[0].Expressions[0].Value
	m, ok := val.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected verdict format: %T", val)
	}
	allow, ok := m["allow"].(bool)
	if !ok {
		return nil, fmt.Errorf("invalid or missing allow field")
	}
	reason, _ := m["reason"].(string)
	return &Verdict{Allow: allow, Reason: reason}, nil
}
