// Package costgate re-exports the main types of pkg/costgate for convenience.
package costgate

import (
	gate "github.com/KanavDutta/costgate/pkg/costgate"
)

// Re-export main types for convenience
type (
	Executor  = gate.Executor
	Config    = gate.Config
	Option    = gate.Option
	Operation = gate.Operation
	Outcome   = gate.Outcome
	Feedback  = gate.Feedback
)

// NewExecutor creates a new executor
var NewExecutor = gate.NewExecutor

// LoadConfigFromFile loads a YAML or TOML configuration file
var LoadConfigFromFile = gate.LoadConfigFromFile
