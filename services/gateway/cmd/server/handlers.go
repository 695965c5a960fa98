package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"medledger/pkg/domain"
	"medledger/pkg/httpx"
	"medledger/pkg/ledger"
	"medledger/pkg/wallet"
	"medledger/services/gateway/internal/auth"
	"medledger/services/gateway/internal/registration"
	"medledger/services/gateway/internal/store"
)

type delegationAPI interface {
	GrantAccess(ctx context.Context, patientID, doctorID string, durationHours int, purpose string) (string, error)
	RevokeAccess(ctx context.Context, accessKey string) error
	CheckValidity(ctx context.Context, accessKey string) (domain.Validity, error)
	ListActive(ctx context.Context, patientID string) ([]domain.AccessGrant, error)
	AuditTrail(ctx context.Context, subjectID string) ([]domain.AuditEvent, error)
	DoctorAccessHistory(ctx context.Context, doctorID string) ([]domain.AccessGrant, error)
	GetPatient(ctx context.Context, patientID string) (domain.LedgerPatient, error)
	GetDoctor(ctx context.Context, doctorID string) (domain.LedgerDoctor, error)
	VerifyDoctor(ctx context.Context, doctorID string) error
}

type registrationAPI interface {
	RegisterPatient(ctx context.Context, profile registration.PatientProfile, password string) (string, error)
	RegisterDoctor(ctx context.Context, profile registration.DoctorProfile, password string) (string, error)
}

type authAPI interface {
	LoginPatient(ctx context.Context, patientID, password string) (string, store.Patient, error)
	LoginDoctor(ctx context.Context, doctorID, password string) (string, store.Doctor, error)
	VerifyToken(token string) (string, string, error)
}

type verifiedMirror interface {
	MarkDoctorVerified(ctx context.Context, doctorID string) error
}

type serverDeps struct {
	delegation   delegationAPI
	registration registrationAPI
	auth         authAPI
	mirror       verifiedMirror
	log          zerolog.Logger
}

// writeServiceError maps the error taxonomy onto stable response shapes
// so clients can discriminate outcomes without parsing messages.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var ve domain.ValidationError
	var perr *registration.PartialRegistrationError
	switch {
	case errors.As(err, &ve):
		httpx.WriteError(w, http.StatusBadRequest, "validation error", ve.Msg)
	case errors.Is(err, auth.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid id or password", nil)
	case errors.As(err, &perr):
		httpx.WriteError(w, http.StatusBadGateway, "registration incomplete", map[string]any{
			"entity_id": perr.EntityID,
			"role":      perr.Role,
			"detail":    "ledger record created but credentials were not stored; contact support",
		})
	case errors.Is(err, registration.ErrIDGenerationExhausted):
		httpx.WriteError(w, http.StatusServiceUnavailable, "could not assign an id, try again", nil)
	case errors.Is(err, store.ErrDuplicate):
		httpx.WriteError(w, http.StatusConflict, "record already exists", err.Error())
	case errors.Is(err, ledger.ErrAlreadyExists):
		httpx.WriteError(w, http.StatusConflict, "record already exists", err.Error())
	case errors.Is(err, ledger.ErrNotFound) || errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ledger.ErrPermissionDenied):
		httpx.WriteError(w, http.StatusForbidden, "permission denied", err.Error())
	case errors.Is(err, ledger.ErrAmbiguousOutcome):
		httpx.WriteError(w, http.StatusGatewayTimeout, "ledger outcome unknown", map[string]any{
			"detail": "the submission may still commit; check state before retrying",
		})
	case errors.Is(err, wallet.ErrIdentityNotFound):
		log.Error().Err(err).Msg("gateway identity missing from wallet")
		httpx.WriteError(w, http.StatusInternalServerError, "gateway identity unavailable", nil)
	default:
		log.Error().Err(err).Msg("request failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (d serverDeps) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		if _, _, err := d.auth.VerifyToken(strings.TrimSpace(token)); err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newRouter(d serverDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteSuccess(w, http.StatusOK, "healthcare gateway running", nil)
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/login/patient", d.loginPatient)
		api.Post("/auth/login/doctor", d.loginDoctor)

		api.Post("/patients/register", d.registerPatient)
		api.Get("/patients/{patientID}", d.getPatient)
		api.Get("/patients/{patientID}/audit", d.patientAuditTrail)
		api.Get("/patients/{patientID}/accesses", d.patientAccesses)

		api.Post("/doctors/register", d.registerDoctor)
		api.Get("/doctors/{doctorID}", d.getDoctor)
		api.Post("/doctors/{doctorID}/verify", d.verifyDoctor)
		api.Get("/doctors/{doctorID}/history", d.doctorHistory)

		api.Route("/access", func(access chi.Router) {
			access.Use(d.requireAuth)
			access.Post("/grant", d.grantAccess)
			access.Delete("/{accessKey}", d.revokeAccess)
			access.Get("/{accessKey}/validity", d.checkValidity)
			access.Get("/patient/{patientID}", d.patientAccesses)
		})
	})
	return r
}

func (d serverDeps) loginPatient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patientID"`
		Password  string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad json", err.Error())
		return
	}
	if req.PatientID == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "patientID and password are required", nil)
		return
	}
	token, p, err := d.auth.LoginPatient(r.Context(), req.PatientID, req.Password)
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "login successful", map[string]any{
		"token":   token,
		"patient": p,
	})
}

func (d serverDeps) loginDoctor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DoctorID string `json:"doctorID"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad json", err.Error())
		return
	}
	if req.DoctorID == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "doctorID and password are required", nil)
		return
	}
	token, doc, err := d.auth.LoginDoctor(r.Context(), req.DoctorID, req.Password)
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "login successful", map[string]any{
		"token":  token,
		"doctor": doc,
	})
}

func (d serverDeps) registerPatient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		registration.PatientProfile
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad json", err.Error())
		return
	}
	id, err := d.registration.RegisterPatient(r.Context(), req.PatientProfile, req.Password)
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "patient registered successfully", map[string]any{"patientID": id})
}

func (d serverDeps) registerDoctor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		registration.DoctorProfile
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad json", err.Error())
		return
	}
	id, err := d.registration.RegisterDoctor(r.Context(), req.DoctorProfile, req.Password)
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "doctor registered successfully", map[string]any{"doctorID": id})
}

func (d serverDeps) getPatient(w http.ResponseWriter, r *http.Request) {
	p, err := d.delegation.GetPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", p)
}

func (d serverDeps) getDoctor(w http.ResponseWriter, r *http.Request) {
	doc, err := d.delegation.GetDoctor(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", doc)
}

func (d serverDeps) verifyDoctor(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	if err := d.delegation.VerifyDoctor(r.Context(), doctorID); err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	// Mirror the flag off-chain; the ledger remains the source of truth,
	// so a mirror failure is logged, not surfaced.
	if err := d.mirror.MarkDoctorVerified(r.Context(), doctorID); err != nil {
		d.log.Error().Err(err).Str("doctor", doctorID).Msg("failed to mirror verification flag")
	}
	httpx.WriteSuccess(w, http.StatusOK, "doctor verified successfully", map[string]any{
		"doctorID": doctorID,
		"verified": true,
	})
}

func (d serverDeps) doctorHistory(w http.ResponseWriter, r *http.Request) {
	history, err := d.delegation.DoctorAccessHistory(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (d serverDeps) patientAuditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := d.delegation.AuditTrail(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (d serverDeps) patientAccesses(w http.ResponseWriter, r *http.Request) {
	accesses, err := d.delegation.ListActive(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", map[string]any{
		"accesses": accesses,
		"count":    len(accesses),
	})
}

func (d serverDeps) grantAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID     string `json:"patientID"`
		DoctorID      string `json:"doctorID"`
		DurationHours int    `json:"durationHours"`
		Purpose       string `json:"purpose"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "bad json", err.Error())
		return
	}
	accessKey, err := d.delegation.GrantAccess(r.Context(), req.PatientID, req.DoctorID, req.DurationHours, req.Purpose)
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusCreated, "access granted successfully", map[string]any{
		"accessKey":     accessKey,
		"patientID":     req.PatientID,
		"doctorID":      req.DoctorID,
		"durationHours": req.DurationHours,
		"purpose":       req.Purpose,
	})
}

func (d serverDeps) revokeAccess(w http.ResponseWriter, r *http.Request) {
	accessKey := chi.URLParam(r, "accessKey")
	if err := d.delegation.RevokeAccess(r.Context(), accessKey); err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "access revoked successfully", map[string]any{
		"accessKey": accessKey,
		"revoked":   true,
	})
}

func (d serverDeps) checkValidity(w http.ResponseWriter, r *http.Request) {
	v, err := d.delegation.CheckValidity(r.Context(), chi.URLParam(r, "accessKey"))
	if err != nil {
		writeServiceError(w, d.log, err)
		return
	}
	httpx.WriteSuccess(w, http.StatusOK, "", v)
}
