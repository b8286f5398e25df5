package definition

import (
	"testing"
	"time"
)

func testDefaults() Defaults {
	return Defaults{
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		StepTimeout: 10 * time.Second,
	}
}

func TestNewRegistryRejectsInvalidDefinitions(t *testing.T) {
	valid := PaymentFlow(testDefaults())

	cases := []struct {
		name string
		defs []SagaDefinition
	}{
		{"empty name", []SagaDefinition{{Steps: valid.Steps}}},
		{"no steps", []SagaDefinition{{Name: "X"}}},
		{"duplicate definition", []SagaDefinition{valid, valid}},
		{"missing operation", []SagaDefinition{{Name: "X", Steps: []StepDefinition{{Name: "a", MaxRetries: 1}}}}},
		{"zero retries", []SagaDefinition{{Name: "X", Steps: []StepDefinition{{
			Name: "a", ForwardOperation: "op", BaseBackoff: time.Second, MaxBackoff: time.Second, Timeout: time.Second,
		}}}}},
		{"duplicate step", []SagaDefinition{{Name: "X", Steps: []StepDefinition{
			{Name: "a", ForwardOperation: "op", MaxRetries: 1, BaseBackoff: time.Second, MaxBackoff: time.Second, Timeout: time.Second},
			{Name: "a", ForwardOperation: "op2", MaxRetries: 1, BaseBackoff: time.Second, MaxBackoff: time.Second, Timeout: time.Second},
		}}}},
	}

	for _, c := range cases {
		if _, err := NewRegistry(c.defs...); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := NewRegistry(PaymentFlow(testDefaults()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def, ok := reg.Get(PaymentFlowName)
	if !ok {
		t.Fatal("expected PAYMENT_FLOW to be registered")
	}
	if len(def.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(def.Steps))
	}

	if _, ok := reg.Get("UNKNOWN"); ok {
		t.Fatal("expected lookup miss for unknown definition")
	}
}

func TestPaymentFlowShape(t *testing.T) {
	def := PaymentFlow(testDefaults())

	wantOrder := []string{"ValidatePayment", "ReserveFunds", "SubmitClearing", "SettlePayment"}
	for i, name := range wantOrder {
		if def.Steps[i].Name != name {
			t.Fatalf("step %d: expected %s, got %s", i, name, def.Steps[i].Name)
		}
	}

	if def.Steps[0].HasCompensation() {
		t.Fatal("ValidatePayment must not define a compensation")
	}
	if !def.Steps[1].HasCompensation() || def.Steps[1].CompensationOperation != OpReleaseFunds {
		t.Fatalf("ReserveFunds must compensate via %s", OpReleaseFunds)
	}
	if def.Steps[2].CompensationOperation != OpRecallClearing {
		t.Fatalf("SubmitClearing must compensate via %s", OpRecallClearing)
	}
	if def.Steps[3].HasCompensation() {
		t.Fatal("SettlePayment must not define a compensation")
	}
}
