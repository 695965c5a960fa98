package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"medledger/services/gateway/internal/store"
)

// ErrInvalidCredentials covers both unknown ids and wrong passwords so
// the two cases are indistinguishable to a caller.
var ErrInvalidCredentials = errors.New("invalid id or password")

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"

	bcryptCost = 10
)

type PatientStore interface {
	GetPatient(ctx context.Context, patientID string) (store.Patient, error)
	TouchPatientLogin(ctx context.Context, patientID string) error
}

type DoctorStore interface {
	GetDoctor(ctx context.Context, doctorID string) (store.Doctor, error)
	TouchDoctorLogin(ctx context.Context, doctorID string) error
}

type Service struct {
	Patients PatientStore
	Doctors  DoctorStore
	Secret   []byte
	TokenTTL time.Duration
}

func NewService(patients PatientStore, doctors DoctorStore, secret []byte) *Service {
	return &Service{Patients: patients, Doctors: doctors, Secret: secret, TokenTTL: 24 * time.Hour}
}

// HashPassword is an explicit step in the registration pipeline:
// validate, hash, persist, each a plain call.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Service) LoginPatient(ctx context.Context, patientID, password string) (string, store.Patient, error) {
	p, err := s.Patients.GetPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", store.Patient{}, ErrInvalidCredentials
		}
		return "", store.Patient{}, err
	}
	if !p.IsActive || !checkPassword(p.PasswordHash, password) {
		return "", store.Patient{}, ErrInvalidCredentials
	}
	if err := s.Patients.TouchPatientLogin(ctx, patientID); err != nil {
		return "", store.Patient{}, err
	}
	token, err := s.issueToken(patientID, RolePatient)
	if err != nil {
		return "", store.Patient{}, err
	}
	return token, p, nil
}

func (s *Service) LoginDoctor(ctx context.Context, doctorID, password string) (string, store.Doctor, error) {
	d, err := s.Doctors.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", store.Doctor{}, ErrInvalidCredentials
		}
		return "", store.Doctor{}, err
	}
	if !d.IsActive || !checkPassword(d.PasswordHash, password) {
		return "", store.Doctor{}, ErrInvalidCredentials
	}
	if err := s.Doctors.TouchDoctorLogin(ctx, doctorID); err != nil {
		return "", store.Doctor{}, err
	}
	token, err := s.issueToken(doctorID, RoleDoctor)
	if err != nil {
		return "", store.Doctor{}, err
	}
	return token, d, nil
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Service) issueToken(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// VerifyToken parses a bearer token and returns its subject and role.
func (s *Service) VerifyToken(token string) (string, string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, claims.Role, nil
}
