// Package definition holds the immutable catalog of saga workflows.
//
// The registry is built once at process start and passed by reference into
// the execution engine; there is no ambient/global lookup and no mutation
// after construction.
package definition

import (
	"fmt"
	"time"
)

// StepDefinition describes one step of a saga workflow.
//
// MaxRetries counts total attempts of the forward (or compensation)
// operation: MaxRetries=3 means the third attempt is the last one. The
// retry delay grows as BaseBackoff * 2^attempt, capped at MaxBackoff, and
// only outcomes classified as transient are retried.
type StepDefinition struct {
	Name                  string
	ForwardOperation      string
	CompensationOperation string // empty = nothing to undo, marked SKIPPED in the reverse sweep
	MaxRetries            int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	Timeout               time.Duration
}

// HasCompensation reports whether the step defines a compensating action.
func (s StepDefinition) HasCompensation() bool {
	return s.CompensationOperation != ""
}

// SagaDefinition is a named, ordered list of steps. Step order is fixed;
// compensation runs in strict reverse order of completed forward steps.
type SagaDefinition struct {
	Name  string
	Steps []StepDefinition
}

// Registry 不可变的 saga 定义表
type Registry struct {
	defs map[string]SagaDefinition
}

// NewRegistry validates and seals the given definitions.
func NewRegistry(defs ...SagaDefinition) (*Registry, error) {
	m := make(map[string]SagaDefinition, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("saga definition without a name")
		}
		if len(d.Steps) == 0 {
			return nil, fmt.Errorf("saga definition %s has no steps", d.Name)
		}
		if _, dup := m[d.Name]; dup {
			return nil, fmt.Errorf("duplicate saga definition %s", d.Name)
		}
		seen := make(map[string]struct{}, len(d.Steps))
		for i, s := range d.Steps {
			if s.Name == "" || s.ForwardOperation == "" {
				return nil, fmt.Errorf("saga %s step %d: name and forward operation are required", d.Name, i)
			}
			if _, dup := seen[s.Name]; dup {
				return nil, fmt.Errorf("saga %s: duplicate step name %s", d.Name, s.Name)
			}
			seen[s.Name] = struct{}{}
			if s.MaxRetries <= 0 {
				return nil, fmt.Errorf("saga %s step %s: maxRetries must be positive", d.Name, s.Name)
			}
			if s.BaseBackoff <= 0 || s.Timeout <= 0 {
				return nil, fmt.Errorf("saga %s step %s: backoff and timeout must be positive", d.Name, s.Name)
			}
			if s.MaxBackoff < s.BaseBackoff {
				return nil, fmt.Errorf("saga %s step %s: maxBackoff below baseBackoff", d.Name, s.Name)
			}
		}
		m[d.Name] = d
	}
	return &Registry{defs: m}, nil
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (SagaDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names lists the registered definition names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// Defaults applied to the built-in payment flow when config leaves them unset.
type Defaults struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
}

// PaymentFlowName 内置支付流程
const PaymentFlowName = "PAYMENT_FLOW"

// Built-in operation names for the payment flow. The orchestrator treats
// them as opaque; they map to collaborator endpoints in the invoker config.
const (
	OpValidatePayment = "payment.validate"
	OpReserveFunds    = "funds.reserve"
	OpReleaseFunds    = "funds.release"
	OpSubmitClearing  = "clearing.submit"
	OpRecallClearing  = "clearing.recall"
	OpSettlePayment   = "payment.settle"
)

// PaymentFlow builds the standard four-step payment saga:
// validate -> reserve funds -> submit to clearing -> settle.
// Validation and settlement have no compensating action.
func PaymentFlow(d Defaults) SagaDefinition {
	step := func(name, forward, compensation string) StepDefinition {
		return StepDefinition{
			Name:                  name,
			ForwardOperation:      forward,
			CompensationOperation: compensation,
			MaxRetries:            d.MaxRetries,
			BaseBackoff:           d.BaseBackoff,
			MaxBackoff:            d.MaxBackoff,
			Timeout:               d.StepTimeout,
		}
	}
	return SagaDefinition{
		Name: PaymentFlowName,
		Steps: []StepDefinition{
			step("ValidatePayment", OpValidatePayment, ""),
			step("ReserveFunds", OpReserveFunds, OpReleaseFunds),
			step("SubmitClearing", OpSubmitClearing, OpRecallClearing),
			step("SettlePayment", OpSettlePayment, ""),
		},
	}
}
