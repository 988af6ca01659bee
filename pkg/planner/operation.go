package planner

import (
	"fmt"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// Operation is a requested change to a cluster or environment.
type Operation string

const (
	OperationClusterCreate     Operation = "cluster_create"
	OperationClusterPause      Operation = "cluster_pause"
	OperationClusterDelete     Operation = "cluster_delete"
	OperationEnvironmentDeploy Operation = "environment_deploy"
	OperationEnvironmentPause  Operation = "environment_pause"
	OperationEnvironmentDelete Operation = "environment_delete"
)

// Operations lists every supported operation.
var Operations = []Operation{
	OperationClusterCreate,
	OperationClusterPause,
	OperationClusterDelete,
	OperationEnvironmentDeploy,
	OperationEnvironmentPause,
	OperationEnvironmentDelete,
}

// Validate checks if the operation is known.
func (o Operation) Validate() error {
	for _, op := range Operations {
		if o == op {
			return nil
		}
	}
	return engine.NewConfigurationError(fmt.Sprintf("unknown operation %q", o), nil).
		WithCode(engine.ErrCodeUnsupported)
}

// TargetsEnvironment reports whether the operation needs an environment ID.
func (o Operation) TargetsEnvironment() bool {
	switch o {
	case OperationEnvironmentDeploy, OperationEnvironmentPause, OperationEnvironmentDelete:
		return true
	}
	return false
}

// IsDestructive reports whether the operation removes infrastructure.
func (o Operation) IsDestructive() bool {
	return o == OperationClusterDelete || o == OperationEnvironmentDelete
}
