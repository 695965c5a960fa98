package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"medledger/pkg/domain"
	"medledger/pkg/ledger"
)

type recordedCall struct {
	Name string
	Args []string
}

type fakeContract struct {
	submits    []recordedCall
	evaluates  []recordedCall
	submitFn   func(name string, args []string) ([]byte, error)
	evaluateFn func(name string, args []string) ([]byte, error)
}

func (f *fakeContract) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.submits = append(f.submits, recordedCall{Name: name, Args: args})
	if f.submitFn != nil {
		return f.submitFn(name, args)
	}
	return nil, nil
}

func (f *fakeContract) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.evaluates = append(f.evaluates, recordedCall{Name: name, Args: args})
	if f.evaluateFn != nil {
		return f.evaluateFn(name, args)
	}
	return nil, nil
}

type fakePool struct {
	contract *fakeContract
	acquired []string
}

func (f *fakePool) Acquire(ctx context.Context, label string) (ledger.Contract, error) {
	f.acquired = append(f.acquired, label)
	return f.contract, nil
}

func newTestService(contract *fakeContract) (*Service, *fakePool) {
	pool := &fakePool{contract: contract}
	cfg := Config{AdminLabel: "hospitalAdmin", RegistryLabel: "auditOrgAdmin"}
	return NewService(pool, cfg, zerolog.Nop()), pool
}

func TestGrantAccessValidation(t *testing.T) {
	contract := &fakeContract{}
	svc, pool := newTestService(contract)

	cases := []struct {
		name     string
		patient  string
		doctor   string
		duration int
		purpose  string
	}{
		{"missing patient", "", "D2002", 24, "annual checkup"},
		{"missing doctor", "P1001", "", 24, "annual checkup"},
		{"zero duration", "P1001", "D2002", 0, "annual checkup"},
		{"duration above range", "P1001", "D2002", 721, "annual checkup"},
		{"purpose too short", "P1001", "D2002", 24, "hi"},
	}
	for _, tc := range cases {
		_, err := svc.GrantAccess(context.Background(), tc.patient, tc.doctor, tc.duration, tc.purpose)
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
	if len(pool.acquired) != 0 || len(contract.submits) != 0 {
		t.Fatalf("validation failures must not touch the ledger")
	}
}

func TestGrantAccessSubmitsAndReturnsKey(t *testing.T) {
	contract := &fakeContract{
		submitFn: func(name string, args []string) ([]byte, error) {
			return []byte("ACCESS_P1001_D2002_1717232400"), nil
		},
	}
	svc, pool := newTestService(contract)

	key, err := svc.GrantAccess(context.Background(), "P1001", "D2002", 24, "annual checkup")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if key != "ACCESS_P1001_D2002_1717232400" {
		t.Fatalf("unexpected key %q", key)
	}
	if len(pool.acquired) != 1 || pool.acquired[0] != "hospitalAdmin" {
		t.Fatalf("expected hospitalAdmin identity, got %v", pool.acquired)
	}
	want := recordedCall{Name: "GrantAccess", Args: []string{"P1001", "D2002", "24", "annual checkup"}}
	if len(contract.submits) != 1 || contract.submits[0].Name != want.Name {
		t.Fatalf("unexpected submits: %+v", contract.submits)
	}
	for i, a := range want.Args {
		if contract.submits[0].Args[i] != a {
			t.Fatalf("arg %d: got %q want %q", i, contract.submits[0].Args[i], a)
		}
	}
}

func TestRevokeUnknownKeyIsNotFound(t *testing.T) {
	contract := &fakeContract{
		submitFn: func(name string, args []string) ([]byte, error) {
			return nil, fmt.Errorf("%w: access record nonexistent-key not found", ledger.ErrNotFound)
		},
	}
	svc, _ := newTestService(contract)

	err := svc.RevokeAccess(context.Background(), "nonexistent-key")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(contract.submits) != 1 {
		t.Fatalf("revoke must be submitted exactly once, got %d", len(contract.submits))
	}
}

func grantJSON(t *testing.T, g domain.AccessGrant) []byte {
	t.Helper()
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal grant: %v", err)
	}
	return b
}

func TestCheckValidityLifecycle(t *testing.T) {
	issued := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	grant := domain.AccessGrant{AccessKey: "key-1", PatientID: "P1001", DoctorID: "D2002", DurationHours: 24, IssuedAt: issued}
	contract := &fakeContract{
		evaluateFn: func(name string, args []string) ([]byte, error) {
			return grantJSON(t, grant), nil
		},
	}
	svc, _ := newTestService(contract)

	svc.now = func() time.Time { return issued.Add(time.Minute) }
	v, err := svc.CheckValidity(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Valid {
		t.Fatalf("fresh grant must be valid: %+v", v)
	}

	svc.now = func() time.Time { return issued.Add(25 * time.Hour) }
	v, err = svc.CheckValidity(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Valid || v.Reason != domain.ReasonExpired {
		t.Fatalf("expected expired after 25h, got %+v", v)
	}

	grant.Revoked = true
	svc.now = func() time.Time { return issued.Add(time.Minute) }
	v, err = svc.CheckValidity(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Valid || v.Reason != domain.ReasonRevoked {
		t.Fatalf("expected revoked, got %+v", v)
	}
}

func TestListActiveFiltersAtQueryTime(t *testing.T) {
	issued := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	grants := []domain.AccessGrant{
		{AccessKey: "fresh", DurationHours: 48, IssuedAt: issued},
		{AccessKey: "expired", DurationHours: 1, IssuedAt: issued},
		{AccessKey: "revoked", DurationHours: 48, IssuedAt: issued, Revoked: true},
	}
	contract := &fakeContract{
		evaluateFn: func(name string, args []string) ([]byte, error) {
			return json.Marshal(grants)
		},
	}
	svc, _ := newTestService(contract)
	svc.now = func() time.Time { return issued.Add(2 * time.Hour) }

	active, err := svc.ListActive(context.Background(), "P1001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].AccessKey != "fresh" {
		t.Fatalf("expected only the fresh grant, got %+v", active)
	}
}

func TestRevokedGrantRemainsInHistory(t *testing.T) {
	issued := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	history := []domain.AccessGrant{
		{AccessKey: "revoked", DurationHours: 48, IssuedAt: issued, Revoked: true},
	}
	contract := &fakeContract{
		evaluateFn: func(name string, args []string) ([]byte, error) {
			return json.Marshal(history)
		},
	}
	svc, _ := newTestService(contract)

	got, err := svc.DoctorAccessHistory(context.Background(), "D2002")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 1 || !got[0].Revoked {
		t.Fatalf("revoked grants must remain in history, got %+v", got)
	}
}

func TestVerifyDoctorRoutesThroughRegistryIdentity(t *testing.T) {
	contract := &fakeContract{}
	svc, pool := newTestService(contract)

	if err := svc.VerifyDoctor(context.Background(), "D2002"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(pool.acquired) != 1 || pool.acquired[0] != "auditOrgAdmin" {
		t.Fatalf("VerifyDoctor must use the registry identity, got %v", pool.acquired)
	}
}

func TestVerifyDoctorPermissionDenied(t *testing.T) {
	contract := &fakeContract{
		submitFn: func(name string, args []string) ([]byte, error) {
			return nil, fmt.Errorf("%w: only HealthRegistry can verify doctors", ledger.ErrPermissionDenied)
		},
	}
	svc, _ := newTestService(contract)

	err := svc.VerifyDoctor(context.Background(), "D2002")
	if !errors.Is(err, ledger.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestAmbiguousOutcomePropagates(t *testing.T) {
	contract := &fakeContract{
		submitFn: func(name string, args []string) ([]byte, error) {
			return nil, fmt.Errorf("%w: context deadline exceeded", ledger.ErrAmbiguousOutcome)
		},
	}
	svc, _ := newTestService(contract)

	_, err := svc.GrantAccess(context.Background(), "P1001", "D2002", 24, "annual checkup")
	if !errors.Is(err, ledger.ErrAmbiguousOutcome) {
		t.Fatalf("expected ErrAmbiguousOutcome, got %v", err)
	}
	if len(contract.submits) != 1 {
		t.Fatalf("an ambiguous submit must never be retried, got %d submits", len(contract.submits))
	}
}
