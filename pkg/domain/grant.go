package domain

import "time"

// AccessGrant mirrors the chaincode's access record. Grants are never
// deleted on the ledger; revocation and expiry only affect validity.
type AccessGrant struct {
	AccessKey     string    `json:"accessKey"`
	PatientID     string    `json:"patientID"`
	DoctorID      string    `json:"doctorID"`
	Purpose       string    `json:"purpose"`
	DurationHours int       `json:"durationHours"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Revoked       bool      `json:"revoked"`
}

const (
	ReasonRevoked = "revoked"
	ReasonExpired = "expired"
)

type Validity struct {
	AccessKey string `json:"accessKey"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}

// ValidityAt computes validity from the stored fields. The grant expires
// exactly at issuedAt+duration, not one tick after.
func (g AccessGrant) ValidityAt(now time.Time) Validity {
	if g.Revoked {
		return Validity{AccessKey: g.AccessKey, Valid: false, Reason: ReasonRevoked}
	}
	expiry := g.IssuedAt.Add(time.Duration(g.DurationHours) * time.Hour)
	if !now.Before(expiry) {
		return Validity{AccessKey: g.AccessKey, Valid: false, Reason: ReasonExpired}
	}
	return Validity{AccessKey: g.AccessKey, Valid: true}
}
