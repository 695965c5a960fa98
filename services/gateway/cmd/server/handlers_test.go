package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"medledger/pkg/domain"
	"medledger/pkg/ledger"
	"medledger/services/gateway/internal/auth"
	"medledger/services/gateway/internal/registration"
	"medledger/services/gateway/internal/store"
)

type fakeDelegation struct {
	grantFn    func(patientID, doctorID string, durationHours int, purpose string) (string, error)
	revokeFn   func(accessKey string) error
	validityFn func(accessKey string) (domain.Validity, error)
	verifyFn   func(doctorID string) error
}

func (f *fakeDelegation) GrantAccess(ctx context.Context, patientID, doctorID string, durationHours int, purpose string) (string, error) {
	if f.grantFn != nil {
		return f.grantFn(patientID, doctorID, durationHours, purpose)
	}
	return "ACCESS_KEY", nil
}

func (f *fakeDelegation) RevokeAccess(ctx context.Context, accessKey string) error {
	if f.revokeFn != nil {
		return f.revokeFn(accessKey)
	}
	return nil
}

func (f *fakeDelegation) CheckValidity(ctx context.Context, accessKey string) (domain.Validity, error) {
	if f.validityFn != nil {
		return f.validityFn(accessKey)
	}
	return domain.Validity{AccessKey: accessKey, Valid: true}, nil
}

func (f *fakeDelegation) ListActive(ctx context.Context, patientID string) ([]domain.AccessGrant, error) {
	return nil, nil
}

func (f *fakeDelegation) AuditTrail(ctx context.Context, subjectID string) ([]domain.AuditEvent, error) {
	return nil, nil
}

func (f *fakeDelegation) DoctorAccessHistory(ctx context.Context, doctorID string) ([]domain.AccessGrant, error) {
	return nil, nil
}

func (f *fakeDelegation) GetPatient(ctx context.Context, patientID string) (domain.LedgerPatient, error) {
	return domain.LedgerPatient{PatientID: patientID}, nil
}

func (f *fakeDelegation) GetDoctor(ctx context.Context, doctorID string) (domain.LedgerDoctor, error) {
	return domain.LedgerDoctor{DoctorID: doctorID}, nil
}

func (f *fakeDelegation) VerifyDoctor(ctx context.Context, doctorID string) error {
	if f.verifyFn != nil {
		return f.verifyFn(doctorID)
	}
	return nil
}

type fakeRegistration struct {
	patientFn func(profile registration.PatientProfile, password string) (string, error)
	doctorFn  func(profile registration.DoctorProfile, password string) (string, error)
}

func (f *fakeRegistration) RegisterPatient(ctx context.Context, profile registration.PatientProfile, password string) (string, error) {
	if f.patientFn != nil {
		return f.patientFn(profile, password)
	}
	return "P1001", nil
}

func (f *fakeRegistration) RegisterDoctor(ctx context.Context, profile registration.DoctorProfile, password string) (string, error) {
	if f.doctorFn != nil {
		return f.doctorFn(profile, password)
	}
	return "D2002", nil
}

type fakeAuth struct {
	loginErr  error
	verifyErr error
}

func (f *fakeAuth) LoginPatient(ctx context.Context, patientID, password string) (string, store.Patient, error) {
	if f.loginErr != nil {
		return "", store.Patient{}, f.loginErr
	}
	return "token-p", store.Patient{PatientID: patientID}, nil
}

func (f *fakeAuth) LoginDoctor(ctx context.Context, doctorID, password string) (string, store.Doctor, error) {
	if f.loginErr != nil {
		return "", store.Doctor{}, f.loginErr
	}
	return "token-d", store.Doctor{DoctorID: doctorID}, nil
}

func (f *fakeAuth) VerifyToken(token string) (string, string, error) {
	if f.verifyErr != nil {
		return "", "", f.verifyErr
	}
	return "P1001", auth.RolePatient, nil
}

type fakeMirror struct {
	verified []string
	err      error
}

func (f *fakeMirror) MarkDoctorVerified(ctx context.Context, doctorID string) error {
	if f.err != nil {
		return f.err
	}
	f.verified = append(f.verified, doctorID)
	return nil
}

func newTestServer(t *testing.T, d serverDeps) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRouter(d))
	t.Cleanup(srv.Close)
	return srv
}

func defaultDeps() serverDeps {
	return serverDeps{
		delegation:   &fakeDelegation{},
		registration: &fakeRegistration{},
		auth:         &fakeAuth{},
		mirror:       &fakeMirror{},
		log:          zerolog.Nop(),
	}
}

func doJSON(t *testing.T, method, url string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, defaultDeps())

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGrantRequiresBearerToken(t *testing.T) {
	deps := defaultDeps()
	srv := newTestServer(t, deps)

	payload := map[string]any{"patientID": "P1001", "doctorID": "D2002", "durationHours": 24, "purpose": "annual checkup"}
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/access/grant", payload, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", resp.StatusCode)
	}

	deps.auth = &fakeAuth{verifyErr: errors.New("bad signature")}
	srv2 := newTestServer(t, deps)
	resp, _ = doJSON(t, http.MethodPost, srv2.URL+"/api/v1/access/grant", payload, "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token: status %d", resp.StatusCode)
	}
}

func TestGrantAccessHappyPath(t *testing.T) {
	deps := defaultDeps()
	deps.delegation = &fakeDelegation{
		grantFn: func(patientID, doctorID string, durationHours int, purpose string) (string, error) {
			if patientID != "P1001" || doctorID != "D2002" || durationHours != 24 {
				return "", fmt.Errorf("unexpected args %s %s %d", patientID, doctorID, durationHours)
			}
			return "ACCESS_P1001_D2002_1717232400", nil
		},
	}
	srv := newTestServer(t, deps)

	payload := map[string]any{"patientID": "P1001", "doctorID": "D2002", "durationHours": 24, "purpose": "annual checkup"}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/access/grant", payload, "valid-token")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %v", resp.StatusCode, body)
	}
	data := body["data"].(map[string]any)
	if data["accessKey"] != "ACCESS_P1001_D2002_1717232400" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", domain.Invalid("durationHours must be between 1 and 720"), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: no such grant", ledger.ErrNotFound), http.StatusNotFound},
		{"permission denied", fmt.Errorf("%w: only HealthRegistry can verify doctors", ledger.ErrPermissionDenied), http.StatusForbidden},
		{"ambiguous", fmt.Errorf("%w: submit timed out", ledger.ErrAmbiguousOutcome), http.StatusGatewayTimeout},
		{"generic", errors.New("peer unreachable"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := defaultDeps()
			deps.delegation = &fakeDelegation{
				grantFn: func(string, string, int, string) (string, error) { return "", tc.err },
			}
			srv := newTestServer(t, deps)

			payload := map[string]any{"patientID": "P1001", "doctorID": "D2002", "durationHours": 24, "purpose": "annual checkup"}
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/access/grant", payload, "valid-token")
			if resp.StatusCode != tc.status {
				t.Fatalf("got %d want %d: %v", resp.StatusCode, tc.status, body)
			}
			if body["success"] != false {
				t.Fatalf("error responses must have success=false: %v", body)
			}
		})
	}
}

func TestRegisterPatientStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"created", nil, http.StatusCreated},
		{"duplicate aadhar", fmt.Errorf("create patient: %w", store.ErrDuplicate), http.StatusConflict},
		{"id budget exhausted", registration.ErrIDGenerationExhausted, http.StatusServiceUnavailable},
		{"partial", &registration.PartialRegistrationError{EntityID: "P1001", Role: "patient", Cause: errors.New("db down")}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := defaultDeps()
			deps.registration = &fakeRegistration{
				patientFn: func(registration.PatientProfile, string) (string, error) {
					if tc.err != nil {
						return "", tc.err
					}
					return "P1001", nil
				},
			}
			srv := newTestServer(t, deps)

			payload := map[string]any{
				"name": "Asha Rao", "dateOfBirth": "1990-04-12",
				"phone": "9876543210", "aadharNumber": "123456789012",
				"password": "strongpassword",
			}
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/patients/register", payload, "")
			if resp.StatusCode != tc.status {
				t.Fatalf("got %d want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestPartialRegistrationResponseNamesEntity(t *testing.T) {
	deps := defaultDeps()
	deps.registration = &fakeRegistration{
		patientFn: func(registration.PatientProfile, string) (string, error) {
			return "", &registration.PartialRegistrationError{EntityID: "P1001", Role: "patient", Cause: errors.New("db down")}
		},
	}
	srv := newTestServer(t, deps)

	payload := map[string]any{
		"name": "Asha Rao", "dateOfBirth": "1990-04-12",
		"phone": "9876543210", "aadharNumber": "123456789012",
		"password": "strongpassword",
	}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/patients/register", payload, "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d", resp.StatusCode)
	}
	details := body["details"].(map[string]any)
	if details["entity_id"] != "P1001" {
		t.Fatalf("partial response must name the stranded entity: %v", body)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	deps := defaultDeps()
	deps.auth = &fakeAuth{loginErr: auth.ErrInvalidCredentials}
	srv := newTestServer(t, deps)

	payload := map[string]any{"patientID": "P1001", "password": "wrong"}
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login/patient", payload, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestLoginPatientReturnsToken(t *testing.T) {
	srv := newTestServer(t, defaultDeps())

	payload := map[string]any{"patientID": "P1001", "password": "strongpassword"}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login/patient", payload, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["token"] != "token-p" {
		t.Fatalf("unexpected data: %v", data)
	}
}

func TestVerifyDoctorMirrorsOffChain(t *testing.T) {
	deps := defaultDeps()
	mirror := &fakeMirror{}
	deps.mirror = mirror
	srv := newTestServer(t, deps)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/doctors/D2002/verify", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(mirror.verified) != 1 || mirror.verified[0] != "D2002" {
		t.Fatalf("verification not mirrored: %v", mirror.verified)
	}
}

func TestVerifyDoctorMirrorFailureIsNotFatal(t *testing.T) {
	deps := defaultDeps()
	deps.mirror = &fakeMirror{err: errors.New("db down")}
	srv := newTestServer(t, deps)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/doctors/D2002/verify", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger verification succeeded, mirror failure must not fail the request: %d", resp.StatusCode)
	}
}

func TestVerifyDoctorPermissionDeniedSkipsMirror(t *testing.T) {
	deps := defaultDeps()
	mirror := &fakeMirror{}
	deps.mirror = mirror
	deps.delegation = &fakeDelegation{
		verifyFn: func(string) error {
			return fmt.Errorf("%w: only HealthRegistry can verify doctors", ledger.ErrPermissionDenied)
		},
	}
	srv := newTestServer(t, deps)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/doctors/D2002/verify", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(mirror.verified) != 0 {
		t.Fatalf("mirror must not run when the ledger rejects verification")
	}
}

func TestCheckValidityReportsReason(t *testing.T) {
	deps := defaultDeps()
	deps.delegation = &fakeDelegation{
		validityFn: func(accessKey string) (domain.Validity, error) {
			return domain.Validity{AccessKey: accessKey, Valid: false, Reason: domain.ReasonExpired}, nil
		},
	}
	srv := newTestServer(t, deps)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/access/some-key/validity", nil, "valid-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["valid"] != false || data["reason"] != domain.ReasonExpired {
		t.Fatalf("unexpected validity payload: %v", data)
	}
}
