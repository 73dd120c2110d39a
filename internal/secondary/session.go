// Package secondary wraps the high-capacity transport: a long-lived,
// explicitly owned session that uploads single files of up to 2 GB and
// absorbs the transport's rate-limit signals.
package secondary

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/progress"
	"github.com/torevar615/URL-UploadV1/internal/retry"
)

// ProgressPercent is how often upload progress is reported.
const ProgressPercent = 10

// ErrNotStarted is returned by SendLarge before Start or after Stop.
var ErrNotStarted = errors.New("secondary session not started")

// File describes one upload.
type File struct {
	Path    string
	Name    string
	MIME    string
	Caption string
	Size    int64
}

// Conn is an established transport connection. SendFile may be called
// concurrently.
type Conn interface {
	SendFile(ctx context.Context, dest int64, f File, obs progress.Observer) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// State is a snapshot of the session for status reporting.
type State struct {
	CredentialsPresent bool      `json:"credentials_present"`
	Started            bool      `json:"started"`
	Connected          bool      `json:"connected"`
	RateLimitedUntil   time.Time `json:"rate_limited_until,omitempty"`
}

// DefaultDialTimeout bounds one (re)connect attempt.
const DefaultDialTimeout = 30 * time.Second

// Options tunes a Session.
type Options struct {
	// MaxRateLimitRetries bounds how many mandated waits one send absorbs.
	MaxRateLimitRetries int
	DialTimeout         time.Duration
}

// Session owns the connection. Start and Stop are idempotent. dialMu
// serializes (re)connection only; status reads and uploads never wait on
// a dial.
type Session struct {
	dialer      Dialer
	credentials bool
	maxRetries  int
	dialTimeout time.Duration

	started atomic.Bool
	dialMu  sync.Mutex

	mu   sync.Mutex // guards conn
	conn Conn

	rateLimitedUntil atomic.Int64 // unix nanos
}

// NewSession creates a stopped session. credentialsPresent reports whether
// the transport is configured at all; without credentials the session
// never becomes available.
func NewSession(dialer Dialer, credentialsPresent bool, opts Options) *Session {
	if opts.MaxRateLimitRetries < 0 {
		opts.MaxRateLimitRetries = 0
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Session{
		dialer:      dialer,
		credentials: credentialsPresent && dialer != nil,
		maxRetries:  opts.MaxRateLimitRetries,
		dialTimeout: opts.DialTimeout,
	}
}

// Start marks the session live and tries to connect. A failed connect is
// logged and retried lazily on the next send.
func (s *Session) Start(ctx context.Context) error {
	if !s.credentials {
		logging.Info("secondary transport disabled: no credentials")
		return nil
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if _, err := s.connect(ctx); err != nil {
		if rl, ok := delivery.AsRateLimited(err); ok {
			s.markRateLimited(rl.Wait)
		}
		logging.Warn("secondary transport connect failed, will retry on demand", zap.Error(err))
	}
	return nil
}

// Stop closes the connection. Safe to call repeatedly. A dial still in
// flight discards its connection once it completes.
func (s *Session) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	metrics.SetSecondaryConnected(false)
	logging.Info("secondary transport stopped")
	return err
}

// IsAvailable reports whether credentials are configured and the session
// has been started.
func (s *Session) IsAvailable() bool {
	return s.credentials && s.started.Load()
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	st := State{
		CredentialsPresent: s.credentials,
		Started:            s.started.Load(),
		Connected:          s.current() != nil,
	}
	if until := s.rateLimitedUntil.Load(); until > 0 {
		if t := time.Unix(0, until); t.After(time.Now()) {
			st.RateLimitedUntil = t
		}
	}
	return st
}

// SendLarge uploads f to dest. A rate-limit signal, whether raised while
// connecting or while sending, makes it wait the mandated duration and
// try again, up to MaxRateLimitRetries times; any other failure is
// returned immediately.
func (s *Session) SendLarge(ctx context.Context, dest int64, f File, obs progress.Observer) error {
	if obs == nil {
		obs = progress.Nop
	}
	logger := logging.WithContext(ctx)

	var lastWait time.Duration
	attempts := 0
	cfg := retry.Config{
		MaxAttempts: s.maxRetries + 1,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("secondary transport rate limited, waiting",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
		},
	}

	start := time.Now()
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		conn, err := s.acquire(ctx)
		if err == nil {
			err = conn.SendFile(ctx, dest, f, progress.EveryPercent(obs, ProgressPercent))
		}
		if rl, ok := delivery.AsRateLimited(err); ok {
			lastWait = rl.Wait
			metrics.RecordSecondaryRateLimited()
			s.markRateLimited(rl.Wait)
			return retry.After(err, rl.Wait)
		}
		if _, ok := delivery.AsNetwork(err); ok && conn != nil {
			s.drop(conn)
		}
		return err
	})
	metrics.RecordUpload("secondary", f.Size, time.Since(start), err)

	if _, ok := delivery.AsRateLimited(err); ok {
		return &delivery.RateLimitedError{Wait: lastWait, Attempts: attempts}
	}
	if err != nil {
		return err
	}
	logger.Info("sent via secondary transport",
		zap.String("filename", f.Name),
		zap.Int64("size", f.Size),
		zap.Int("attempts", attempts),
	)
	return nil
}

func (s *Session) markRateLimited(wait time.Duration) {
	s.rateLimitedUntil.Store(time.Now().Add(wait).UnixNano())
}

func (s *Session) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// acquire returns the live connection, dialing if there is none.
func (s *Session) acquire(ctx context.Context) (Conn, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	if conn := s.current(); conn != nil {
		return conn, nil
	}

	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if conn := s.current(); conn != nil {
		return conn, nil
	}
	return s.connect(ctx)
}

// connect dials once, bounded by the dial timeout. Callers hold dialMu.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx)
	if err != nil {
		metrics.SetSecondaryConnected(false)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &delivery.NetworkError{Op: "secondary connect", Timeout: true, Err: err}
		}
		return nil, err
	}

	s.mu.Lock()
	if !s.started.Load() {
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			logging.Debug("closing secondary connection dialed during stop", zap.Error(err))
		}
		return nil, ErrNotStarted
	}
	s.conn = conn
	s.mu.Unlock()

	metrics.SetSecondaryConnected(true)
	logging.Info("secondary transport connected")
	return conn, nil
}

// drop forgets conn if it is still current so the next send redials.
func (s *Session) drop(conn Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	metrics.SetSecondaryConnected(false)
	if err := conn.Close(); err != nil {
		logging.Debug("closing dropped secondary connection", zap.Error(err))
	}
}
