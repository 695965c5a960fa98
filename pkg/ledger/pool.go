package ledger

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"medledger/pkg/wallet"
)

// DialFunc opens an authenticated ledger session. Swappable in tests.
type DialFunc func(cfg Config, id wallet.Identity) (Contract, io.Closer, error)

type session struct {
	contract Contract
	closer   io.Closer
}

// Pool caches one live ledger session per identity label. Concurrent
// first-use acquires for the same label perform a single handshake; the
// ledger session carries a stateful network identity, so a duplicate
// per label would be a correctness bug.
type Pool struct {
	wallet *wallet.Wallet
	cfg    Config
	dial   DialFunc
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	group    singleflight.Group
}

func NewPool(w *wallet.Wallet, cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		wallet:   w,
		cfg:      cfg,
		dial:     DialGateway,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// WithDialer replaces the gateway handshake. Tests use this to count
// session constructions.
func (p *Pool) WithDialer(dial DialFunc) *Pool {
	p.dial = dial
	return p
}

// Acquire returns the cached contract handle for the label, establishing
// the session on first use. The pool lock only guards the map; the
// handshake itself runs outside it, deduplicated per label.
func (p *Pool) Acquire(ctx context.Context, label string) (Contract, error) {
	p.mu.Lock()
	if s, ok := p.sessions[label]; ok {
		p.mu.Unlock()
		return s.contract, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(label, func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[label]; ok {
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		id, err := p.wallet.Get(label)
		if err != nil {
			return nil, fmt.Errorf("resolve identity %q: %w", label, err)
		}
		contract, closer, err := p.dial(p.cfg, id)
		if err != nil {
			return nil, fmt.Errorf("establish session for %q: %w", label, err)
		}
		s := &session{contract: contract, closer: closer}

		p.mu.Lock()
		p.sessions[label] = s
		p.mu.Unlock()

		p.log.Info().Str("identity", label).Str("channel", p.cfg.Channel).Msg("ledger session established")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session).contract, nil
}

// Close tears down every cached session and clears the mapping.
// Idempotent: a second call finds an empty map and does nothing.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	var firstErr error
	for label, s := range sessions {
		if err := s.closer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", label, err)
		}
	}
	return firstErr
}
