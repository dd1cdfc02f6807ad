package brief

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/google/uuid"
)

// LoginState is the session state machine.
type LoginState int

const (
	LoggedOut LoginState = iota
	AwaitingScan
	LoggedIn
)

func (s LoginState) String() string {
	switch s {
	case AwaitingScan:
		return "awaiting_scan"
	case LoggedIn:
		return "logged_in"
	}
	return "logged_out"
}

// Session is the deployment's single credential set.
type Session struct {
	Cookies   map[string]string `json:"cookies"`
	Valid     bool              `json:"valid"`
	CreatedAt time.Time         `json:"created_at"`
}

// Challenge is an issued QR login challenge.
type Challenge struct {
	ID        string
	URL       string
	PNG       []byte
	ExpiresAt time.Time
}

// SessionConfig tunes the login flow.
type SessionConfig struct {
	ChallengeTTL time.Duration // default 180s
	PollInterval time.Duration // default 3s
	QRSize       int           // pixels, default 256
}

type pendingChallenge struct {
	Challenge
	key     string
	stop    chan struct{}
	stopErr error
}

// SessionStore owns the session and the QR login state machine.
type SessionStore struct {
	provider LoginProvider
	persist  SessionPersister
	cfg      SessionConfig
	now      func() time.Time

	mu      sync.Mutex
	state   LoginState
	session Session
	pending *pendingChallenge
}

// NewSessionStore loads any persisted session. persist may be nil.
func NewSessionStore(ctx context.Context, provider LoginProvider, persist SessionPersister, cfg SessionConfig) (*SessionStore, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 180 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	s := &SessionStore{provider: provider, persist: persist, cfg: cfg, now: time.Now}
	if persist == nil {
		return s, nil
	}
	sess, ok, err := persist.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if ok && sess.Valid && len(sess.Cookies) > 0 {
		s.session = sess
		s.state = LoggedIn
		slog.Info("session: restored", slog.Time("created_at", sess.CreatedAt))
	}
	return s, nil
}

// State returns the current login state.
func (s *SessionStore) State() LoginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.state
}

// expireLocked ends a challenge whose window passed with nobody polling it.
func (s *SessionStore) expireLocked() {
	if s.pending != nil && !s.now().Before(s.pending.ExpiresAt) {
		s.stopPendingLocked(ErrChallengeExpired)
		s.state = LoggedOut
	}
}

// Require returns the active session or fails fast with ErrNotLoggedIn.
// It never waits on a pending challenge.
func (s *SessionStore) Require() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn {
		return Session{}, ErrNotLoggedIn
	}
	out := s.session
	out.Cookies = maps.Clone(s.session.Cookies)
	return out, nil
}

// Cookies returns a copy of the session cookies, or nil when logged out.
func (s *SessionStore) Cookies() map[string]string {
	sess, err := s.Require()
	if err != nil {
		return nil
	}
	return sess.Cookies
}

// BeginLogin issues a new QR challenge and supersedes any outstanding one.
func (s *SessionStore) BeginLogin(ctx context.Context) (Challenge, error) {
	if s.State() == LoggedIn {
		return Challenge{}, ErrAlreadyLoggedIn
	}
	key, url, err := s.provider.GenerateQR(ctx)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate qr: %w", err)
	}
	img, err := qrPNG(url, s.cfg.QRSize)
	if err != nil {
		return Challenge{}, err
	}

	p := &pendingChallenge{
		Challenge: Challenge{
			ID:        uuid.NewString(),
			URL:       url,
			PNG:       img,
			ExpiresAt: s.now().Add(s.cfg.ChallengeTTL),
		},
		key:  key,
		stop: make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == LoggedIn {
		return Challenge{}, ErrAlreadyLoggedIn
	}
	if s.pending != nil {
		s.stopPendingLocked(ErrChallengeSuperseded)
	}
	s.pending = p
	s.state = AwaitingScan
	slog.Info("session: login challenge issued", slog.String("challenge", p.ID))
	return p.Challenge, nil
}

// AwaitLogin polls the challenge until it is confirmed, expires, is
// superseded or cancelled, or ctx ends.
func (s *SessionStore) AwaitLogin(ctx context.Context, challengeID string) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil || p.ID != challengeID {
		return ErrChallengeSuperseded
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return p.stopErr
		case <-ticker.C:
		}

		if !s.now().Before(p.ExpiresAt) {
			s.finish(p, LoggedOut, Session{}, ErrChallengeExpired)
			return ErrChallengeExpired
		}

		res, err := s.provider.PollQR(ctx, p.key)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Warn("session: qr poll failed", slog.Any("error", err))
			continue
		}

		switch res.Status {
		case PollConfirmed:
			sess := Session{Cookies: maps.Clone(res.Cookies), Valid: true, CreatedAt: s.now()}
			if err := s.finish(p, LoggedIn, sess, nil); err != nil {
				return err
			}
			if s.persist != nil {
				if err := s.persist.SaveSession(ctx, sess); err != nil {
					slog.Error("session: persist failed", slog.Any("error", err))
				}
			}
			slog.Info("session: logged in")
			return nil
		case PollExpired:
			s.finish(p, LoggedOut, Session{}, ErrChallengeExpired)
			return ErrChallengeExpired
		case PollScanned:
			slog.Debug("session: qr scanned, waiting for confirmation")
		}
	}
}

// finish applies a terminal transition if p is still the current challenge.
func (s *SessionStore) finish(p *pendingChallenge, next LoginState, sess Session, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != p {
		// Superseded or cancelled while the poll was in flight.
		select {
		case <-p.stop:
			return p.stopErr
		default:
			return ErrChallengeSuperseded
		}
	}
	s.stopPendingLocked(reason)
	s.state = next
	s.session = sess
	return nil
}

func (s *SessionStore) stopPendingLocked(reason error) {
	p := s.pending
	s.pending = nil
	p.stopErr = reason // nil when the challenge was confirmed
	close(p.stop)
}

// CancelLogin abandons the outstanding challenge. Reports whether one existed.
func (s *SessionStore) CancelLogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.stopPendingLocked(ErrLoginCancelled)
	s.state = LoggedOut
	return true
}

// Logout clears the session. Reports whether one was active.
func (s *SessionStore) Logout(ctx context.Context) (bool, error) {
	s.mu.Lock()
	wasIn := s.state == LoggedIn
	if s.pending != nil {
		s.stopPendingLocked(ErrLoginCancelled)
	}
	s.state = LoggedOut
	s.session = Session{}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteSession(ctx); err != nil {
			return wasIn, fmt.Errorf("delete session: %w", err)
		}
	}
	return wasIn, nil
}

// Invalidate drops the session after a downstream call rejected it.
func (s *SessionStore) Invalidate(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.state != LoggedIn {
		s.mu.Unlock()
		return
	}
	s.state = LoggedOut
	s.session = Session{}
	s.mu.Unlock()

	slog.Warn("session: invalidated", slog.Any("cause", cause))
	if s.persist != nil {
		if err := s.persist.DeleteSession(ctx); err != nil {
			slog.Error("session: delete failed", slog.Any("error", err))
		}
	}
}

// qrPNG encodes content as a square PNG QR code.
func qrPNG(content string, size int) ([]byte, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("png qr: %w", err)
	}
	return buf.Bytes(), nil
}
