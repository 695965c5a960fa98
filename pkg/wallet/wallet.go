package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrIdentityNotFound = errors.New("identity not found")

// Identity is a labeled set of enrollment credentials. The gateway never
// enrolls identities itself; an out-of-band import puts them here.
type Identity struct {
	Label          string `json:"label"`
	MSPID          string `json:"mspId"`
	CertificatePEM string `json:"certificate"`
	PrivateKeyPEM  string `json:"privateKey"`
}

// Wallet is a file-backed identity store: one JSON document per label
// under the wallet directory, so identities survive restarts.
type Wallet struct {
	dir string
}

func New(dir string) (*Wallet, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create wallet dir: %w", err)
	}
	return &Wallet{dir: dir}, nil
}

func (w *Wallet) path(label string) string {
	return filepath.Join(w.dir, label+".id")
}

func (w *Wallet) Get(label string) (Identity, error) {
	b, err := os.ReadFile(w.path(label))
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, label)
		}
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(b, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity %s: %w", label, err)
	}
	id.Label = label
	return id, nil
}

// Put overwrites any existing identity under the same label. Used when
// rotating or re-importing credentials.
func (w *Wallet) Put(label string, id Identity) error {
	if strings.TrimSpace(label) == "" {
		return errors.New("identity label is required")
	}
	if strings.TrimSpace(id.CertificatePEM) == "" || strings.TrimSpace(id.PrivateKeyPEM) == "" {
		return errors.New("identity requires certificate and private key")
	}
	id.Label = label
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path(label), b, 0o600)
}

func (w *Wallet) Remove(label string) error {
	err := os.Remove(w.path(label))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (w *Wallet) List() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".id") {
			continue
		}
		labels = append(labels, strings.TrimSuffix(e.Name(), ".id"))
	}
	return labels, nil
}
