package secondary

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/progress"
)

type fakeConn struct {
	mu     sync.Mutex
	sends  int
	closed bool
	send   func(n int, obs progress.Observer) error
}

func (c *fakeConn) SendFile(_ context.Context, _ int64, _ File, obs progress.Observer) error {
	c.mu.Lock()
	c.sends++
	n := c.sends
	c.mu.Unlock()
	if c.send == nil {
		return nil
	}
	return c.send(n, obs)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	errs  []error // returned once each, in order, before err
	conns []*fakeConn
	next  func() *fakeConn
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	if d.next != nil {
		c = d.next()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func TestStartStopIdempotent(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d, true, Options{})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, d.dials)
	assert.True(t, s.IsAvailable())
	assert.True(t, s.State().Connected)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsAvailable())
	assert.True(t, d.conns[0].closed)
}

func TestConcurrentStartDialsOnce(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d, true, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Start(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.dials)
}

func TestUnavailableWithoutCredentials(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d, false, Options{})
	require.NoError(t, s.Start(context.Background()))

	assert.False(t, s.IsAvailable())
	assert.Equal(t, 0, d.dials)
	assert.ErrorIs(t, s.SendLarge(context.Background(), 1, File{}, nil), ErrNotStarted)
}

func TestRateLimitIsRetriedAfterMandatedWait(t *testing.T) {
	d := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{send: func(n int, _ progress.Observer) error {
			if n == 1 {
				return &delivery.RateLimitedError{Wait: 10 * time.Millisecond}
			}
			return nil
		}}
	}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 3})
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.SendLarge(context.Background(), 1, File{Name: "big.bin"}, nil))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 2, d.conns[0].sends)
}

func TestRateLimitRetriesAreBounded(t *testing.T) {
	d := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{send: func(int, progress.Observer) error {
			return &delivery.RateLimitedError{Wait: time.Millisecond}
		}}
	}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 2})
	require.NoError(t, s.Start(context.Background()))

	err := s.SendLarge(context.Background(), 1, File{}, nil)
	rl, ok := delivery.AsRateLimited(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 3, rl.Attempts)
	assert.Equal(t, 3, d.conns[0].sends)
}

func TestPermanentRejectionIsNotRetried(t *testing.T) {
	d := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{send: func(int, progress.Observer) error {
			return &delivery.TransportError{Transport: "secondary", Code: 400, Detail: "FILE_PART_MISSING", Permanent: true}
		}}
	}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 5})
	require.NoError(t, s.Start(context.Background()))

	err := s.SendLarge(context.Background(), 1, File{}, nil)
	_, ok := delivery.AsTransport(err)
	assert.True(t, ok)
	assert.Equal(t, 1, d.conns[0].sends)
}

func TestLazyReconnectAfterNetworkError(t *testing.T) {
	calls := 0
	d := &fakeDialer{next: func() *fakeConn {
		calls++
		if calls == 1 {
			return &fakeConn{send: func(int, progress.Observer) error {
				return &delivery.NetworkError{Op: "secondary", Err: errors.New("connection reset")}
			}}
		}
		return &fakeConn{}
	}}
	s := NewSession(d, true, Options{})
	require.NoError(t, s.Start(context.Background()))

	err := s.SendLarge(context.Background(), 1, File{}, nil)
	_, ok := delivery.AsNetwork(err)
	require.True(t, ok)
	assert.False(t, s.State().Connected)
	assert.True(t, d.conns[0].closed)

	require.NoError(t, s.SendLarge(context.Background(), 1, File{}, nil))
	assert.Equal(t, 2, d.dials)
}

func TestStartSurvivesDialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("dc unreachable")}
	s := NewSession(d, true, Options{})
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsAvailable())
	assert.False(t, s.State().Connected)

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	require.NoError(t, s.SendLarge(context.Background(), 1, File{}, nil))
	assert.True(t, s.State().Connected)
}

func TestCancellationDuringRateLimitWait(t *testing.T) {
	d := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{send: func(int, progress.Observer) error {
			return &delivery.RateLimitedError{Wait: time.Hour}
		}}
	}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 5})
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := s.SendLarge(ctx, 1, File{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.State().RateLimitedUntil.IsZero())
}

func TestProgressEveryTenPercent(t *testing.T) {
	d := &fakeDialer{next: func() *fakeConn {
		return &fakeConn{send: func(_ int, obs progress.Observer) error {
			for b := int64(0); b <= 1000; b += 10 {
				obs.Observe(progress.Update{Stage: progress.StageUpload, Bytes: b, Total: 1000})
			}
			return nil
		}}
	}}
	s := NewSession(d, true, Options{})
	require.NoError(t, s.Start(context.Background()))

	var n int
	obs := progress.ObserverFunc(func(progress.Update) { n++ })
	require.NoError(t, s.SendLarge(context.Background(), 1, File{}, obs))
	assert.Equal(t, 11, n)
}

func TestInputPeer(t *testing.T) {
	assert.Equal(t, &tg.InputPeerUser{UserID: 12345}, InputPeer(12345))
	assert.Equal(t, &tg.InputPeerChat{ChatID: 4567}, InputPeer(-4567))
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 1234567890}, InputPeer(-1001234567890))
}

// gatedDialer fails its first dial and holds later ones until release is
// closed or the dial context ends.
type gatedDialer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	dials   atomic.Int32
}

func (d *gatedDialer) Dial(ctx context.Context) (Conn, error) {
	if d.dials.Add(1) == 1 {
		return nil, errors.New("dc unreachable")
	}
	d.once.Do(func() { close(d.entered) })
	select {
	case <-d.release:
		return &fakeConn{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStatusDoesNotWaitOnRedial(t *testing.T) {
	d := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(d, true, Options{})
	require.NoError(t, s.Start(context.Background()))

	sent := make(chan error, 1)
	go func() { sent <- s.SendLarge(context.Background(), 1, File{}, nil) }()
	<-d.entered

	status := make(chan State, 1)
	go func() {
		assert.True(t, s.IsAvailable())
		status <- s.State()
	}()
	select {
	case st := <-status:
		assert.True(t, st.Started)
		assert.False(t, st.Connected)
	case <-time.After(2 * time.Second):
		t.Fatal("status read blocked behind a dial")
	}

	close(d.release)
	require.NoError(t, <-sent)
	assert.True(t, s.State().Connected)
}

func TestRedialIsBoundedByDialTimeout(t *testing.T) {
	d := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(d, true, Options{DialTimeout: 30 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	err := s.SendLarge(context.Background(), 1, File{}, nil)
	nerr, ok := delivery.AsNetwork(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, nerr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopDuringDialDiscardsConnection(t *testing.T) {
	d := &gatedDialer{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(d, true, Options{})
	require.NoError(t, s.Start(context.Background()))

	sent := make(chan error, 1)
	go func() { sent <- s.SendLarge(context.Background(), 1, File{}, nil) }()
	<-d.entered

	require.NoError(t, s.Stop())
	close(d.release)
	assert.ErrorIs(t, <-sent, ErrNotStarted)
	assert.False(t, s.State().Connected)
}

func TestFloodWaitWhileConnectingIsRetried(t *testing.T) {
	flood := &delivery.RateLimitedError{Wait: 50 * time.Millisecond}
	d := &fakeDialer{errs: []error{flood, flood}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 3})
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.State().RateLimitedUntil.IsZero())

	start := time.Now()
	require.NoError(t, s.SendLarge(context.Background(), 1, File{}, nil))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 3, d.dials)
	assert.Equal(t, 1, d.conns[0].sends)
}

func TestFloodWaitWhileConnectingKeepsMandatedWait(t *testing.T) {
	d := &fakeDialer{err: &delivery.RateLimitedError{Wait: 20 * time.Millisecond}}
	s := NewSession(d, true, Options{MaxRateLimitRetries: 1})
	require.NoError(t, s.Start(context.Background()))

	err := s.SendLarge(context.Background(), 1, File{}, nil)
	rl, ok := delivery.AsRateLimited(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 20*time.Millisecond, rl.Wait)
	assert.Equal(t, 2, rl.Attempts)
}

func TestUnknownPeerIsPermanent(t *testing.T) {
	err := classify(context.Background(), tgerr.New(400, "PEER_ID_INVALID"))
	te, ok := delivery.AsTransport(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, te.Permanent)
	assert.Equal(t, "secondary", te.Transport)
	assert.Contains(t, te.Detail, "PEER_ID_INVALID")
	assert.Contains(t, te.Detail, "destination")
}

func TestFloodWaitIsRateLimited(t *testing.T) {
	err := classify(context.Background(), tgerr.New(420, "FLOOD_WAIT_7"))
	rl, ok := delivery.AsRateLimited(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 7*time.Second, rl.Wait)
}
