// Package workload is the orchestrator's view of the container platform:
// create, scale, inspect and delete the per-user worker deployments. The
// reconciler only sees the Client interface; KubeClient talks to a real
// cluster and Memory backs tests and clusterless setups.
package workload

import (
	"context"
	"errors"
	"time"
)

// Labels every worker deployment carries. The app label scopes orphan
// collection; the user label maps a deployment back to its user.
const (
	AppLabelKey   = "app"
	AppLabelValue = "chatwright-worker"
	UserLabelKey  = "chatwright.io/user"
)

// ErrNotFound reports that no deployment with the given name exists.
var ErrNotFound = errors.New("deployment not found")

// DeploymentSpec describes one worker deployment.
type DeploymentSpec struct {
	Name   string
	Labels map[string]string
	Image  string

	// Env is rendered as literal container environment; EnvFromSecret
	// references a platform secret holding credentials.
	Env           map[string]string
	EnvFromSecret string

	// ScratchVolumeGiB sizes the ephemeral workspace volume mounted at
	// /workspace.
	ScratchVolumeGiB int

	// PreemptibleToleration lets the pod schedule onto preemptible
	// nodes. Interrupted runs are retried through the queue, so workers
	// tolerate eviction.
	PreemptibleToleration bool

	Replicas int
}

// Status is the observed state of a deployment.
type Status struct {
	Name          string
	Labels        map[string]string
	Replicas      int
	ReadyReplicas int
	CreatedAt     time.Time
}

// Client manages worker deployments. Implementations are safe for
// concurrent use.
type Client interface {
	// EnsureDeployment creates the deployment or, when it already
	// exists, scales it to the spec's replica count.
	EnsureDeployment(ctx context.Context, spec DeploymentSpec) error
	// ScaleDeployment sets the replica count.
	ScaleDeployment(ctx context.Context, name string, replicas int) error
	// DeleteDeployment removes the deployment. Deleting an absent
	// deployment returns ErrNotFound.
	DeleteDeployment(ctx context.Context, name string) error
	// GetDeployment returns the observed state, or ErrNotFound.
	GetDeployment(ctx context.Context, name string) (*Status, error)
	// ListDeployments returns deployments matching a k=v[,k2=v2] label
	// selector; an empty selector matches everything.
	ListDeployments(ctx context.Context, labelSelector string) ([]Status, error)
}
