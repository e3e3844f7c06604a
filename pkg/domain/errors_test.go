package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfClassifiesWrappedErrors(t *testing.T) {
	cases := map[ErrorKind]error{
		KindValidation:     fmt.Errorf("wrap: %w", ValidationError{Field: "name", Reason: "required"}),
		KindAuthorization:  AuthorizationError{PrincipalID: "p", Required: []Capability{CapabilityFarmer}},
		KindLedger:         LedgerError{Operation: "registerFarmer", Err: errors.New("rejected")},
		KindReconciliation: ReconciliationError{Operation: "registerFarmer", TxRef: "tx", Err: LedgerError{}},
		KindState:          RuleViolationError{},
		KindNotFound:       NotFoundError{Entity: EntityBatch, ID: "b1"},
		KindInternal:       errors.New("disk on fire"),
	}
	for want, err := range cases {
		if got := KindOf(err); got != want {
			t.Errorf("KindOf(%v) = %s, want %s", err, got, want)
		}
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(StateError{Entity: EntityQRCode, ID: "q", Reason: "inactive"}) {
		t.Fatalf("state errors never succeed on retry")
	}
	if IsPermanent(errors.New("connection reset")) {
		t.Fatalf("internal errors are retried")
	}
	if IsPermanent(LedgerError{Transient: true}) {
		t.Fatalf("transient ledger errors are retried")
	}
}

func TestAuthorizeAdminOverridesRequirements(t *testing.T) {
	if err := Authorize("root", []Capability{CapabilityAdmin}, CapabilityFarmer); err != nil {
		t.Fatalf("admin denied: %v", err)
	}
	err := Authorize("shopper", []Capability{CapabilityConsumer}, CapabilityFarmer, CapabilityProcessor)
	var authz AuthorizationError
	if !errors.As(err, &authz) || len(authz.Required) != 2 {
		t.Fatalf("expected authorization error listing requirements, got %v", err)
	}
}

func TestResolveHandlerRolePrecedence(t *testing.T) {
	role, ok := ResolveHandlerRole([]Capability{CapabilityRetailer, CapabilityProcessor})
	if !ok || role != CapabilityProcessor {
		t.Fatalf("expected processor, got %s", role)
	}
	if _, ok := ResolveHandlerRole([]Capability{CapabilityConsumer}); ok {
		t.Fatalf("consumer is not a handler")
	}
	caps, added := AddCapability([]Capability{CapabilityRetailer}, CapabilityFarmer)
	if !added || caps[0] != CapabilityFarmer {
		t.Fatalf("expected sorted insert, got %v", caps)
	}
	if _, added := AddCapability(caps, CapabilityFarmer); added {
		t.Fatalf("duplicate capability added")
	}
}

func TestCertificationExpiry(t *testing.T) {
	expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Certification{ExpiryDate: expiry}
	if c.Expired(expiry) {
		t.Fatalf("certification is valid through its expiry instant")
	}
	if !c.Expired(expiry.Add(time.Second)) {
		t.Fatalf("certification should expire after its expiry date")
	}
}
