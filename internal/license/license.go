// Package license gates inference on session authorization. The backend's
// licensing service and the block decryption routine are external
// collaborators; this package consumes them as injected functions and
// enforces the one hard rule: a failed runtime re-check stops inference
// for that session and wipes decrypted state immediately.
package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
)

// Error is a licensing failure. It is never absorbed into partial step
// results; callers terminate the affected session.
type Error struct {
	SessionID string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("license error for session %s: %s", e.SessionID, e.Reason)
}

// Decryptor turns an encrypted model block into plaintext bytes under a
// validated session context.
type Decryptor func(blockID string, ciphertext []byte, auth SessionAuth) ([]byte, error)

// Passthrough is the Decryptor for deployments with unencrypted blocks.
func Passthrough(_ string, ciphertext []byte, _ SessionAuth) ([]byte, error) {
	return ciphertext, nil
}

// CheckFunc asks the licensing backend whether a session token is still
// valid.
type CheckFunc func(ctx context.Context, auth SessionAuth) error

// SessionAuth is one authorized session's credential.
type SessionAuth struct {
	SessionID string
	Token     string
	GrantedAt time.Time
}

// Gate tracks authorized sessions and re-checks them on an interval.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]SessionAuth
	onRevoke []func(sessionID string)

	check    CheckFunc
	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGate builds a gate. A nil check function authorizes unconditionally
// (standalone/offline mode).
func NewGate(check CheckFunc, interval time.Duration) *Gate {
	return &Gate{
		sessions: make(map[string]SessionAuth),
		check:    check,
		interval: interval,
		log:      logger.Log.With("license"),
		done:     make(chan struct{}),
	}
}

// Authorize grants a session and returns its credential.
func (g *Gate) Authorize(sessionID string) SessionAuth {
	g.mu.Lock()
	defer g.mu.Unlock()
	if auth, ok := g.sessions[sessionID]; ok {
		return auth
	}
	auth := SessionAuth{
		SessionID: sessionID,
		Token:     uuid.NewString(),
		GrantedAt: time.Now(),
	}
	g.sessions[sessionID] = auth
	return auth
}

// Authorized reports whether a session currently holds a valid grant.
func (g *Gate) Authorized(sessionID string) (SessionAuth, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	auth, ok := g.sessions[sessionID]
	return auth, ok
}

// OnRevoke registers a callback fired for every revoked session. The warm
// model cache registers here to drop sessions and wipe decrypted buffers.
func (g *Gate) OnRevoke(fn func(sessionID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRevoke = append(g.onRevoke, fn)
}

// Revoke withdraws a session's grant and fires the revocation chain.
func (g *Gate) Revoke(sessionID, reason string) {
	g.mu.Lock()
	_, ok := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	callbacks := make([]func(string), len(g.onRevoke))
	copy(callbacks, g.onRevoke)
	g.mu.Unlock()

	if !ok {
		return
	}
	metrics.LicenseRevocations.Inc()
	g.log.Warn("session revoked", "session_id", sessionID, "reason", reason)
	for _, fn := range callbacks {
		fn(sessionID)
	}
}

// Start launches the periodic re-check loop.
func (g *Gate) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.recheckAll(ctx)
			}
		}
	}()
}

// Close stops the re-check loop.
func (g *Gate) Close() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
}

func (g *Gate) recheckAll(ctx context.Context) {
	g.mu.Lock()
	auths := make([]SessionAuth, 0, len(g.sessions))
	for _, a := range g.sessions {
		auths = append(auths, a)
	}
	check := g.check
	g.mu.Unlock()

	if check == nil {
		return
	}
	for _, auth := range auths {
		if err := check(ctx, auth); err != nil {
			g.Revoke(auth.SessionID, fmt.Sprintf("re-check failed: %v", err))
		}
	}
}

// Wipe zeroes a decrypted buffer in place before releasing it.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
