package domain

import "time"

// LedgerPatient is the on-ledger patient record returned by GetPatient.
type LedgerPatient struct {
	PatientID             string `json:"patientID"`
	Name                  string `json:"name"`
	DateOfBirth           string `json:"dateOfBirth"`
	Phone                 string `json:"phone"`
	AadharNumber          string `json:"aadharNumber"`
	FingerprintTemplateID string `json:"fingerprintTemplateID,omitempty"`
	RegisteredAt          string `json:"registeredAt,omitempty"`
}

// LedgerDoctor is the on-ledger doctor record returned by GetDoctor.
// Verified flips only through VerifyDoctor, which the ledger restricts
// to the registry organization.
type LedgerDoctor struct {
	DoctorID       string `json:"doctorID"`
	Name           string `json:"name"`
	LicenseNumber  string `json:"licenseNumber"`
	Specialization string `json:"specialization"`
	HospitalName   string `json:"hospitalName"`
	Verified       bool   `json:"verified"`
	RegisteredAt   string `json:"registeredAt,omitempty"`
}

// AuditEvent is append-only on the ledger; the gateway only reads it.
type AuditEvent struct {
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
