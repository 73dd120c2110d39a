package secondary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/progress"
)

// MTProtoConfig holds the credentials for the MTProto transport.
type MTProtoConfig struct {
	AppID       int
	AppHash     string
	BotToken    string
	SessionFile string
}

// Configured reports whether the credentials needed to dial are present.
func (c MTProtoConfig) Configured() bool {
	return c.AppID != 0 && c.AppHash != "" && c.BotToken != ""
}

// MTProtoDialer dials the MTProto API and authorizes as the bot.
type MTProtoDialer struct {
	cfg MTProtoConfig
}

// NewMTProtoDialer returns a Dialer for cfg.
func NewMTProtoDialer(cfg MTProtoConfig) *MTProtoDialer {
	return &MTProtoDialer{cfg: cfg}
}

// Dial starts a client in the background and waits until it is authorized
// or ctx ends. The client outlives ctx; Close stops it.
func (d *MTProtoDialer) Dial(ctx context.Context) (Conn, error) {
	opts := telegram.Options{
		Logger: logging.L().Named("mtproto"),
	}
	if d.cfg.SessionFile != "" {
		opts.SessionStorage = &session.FileStorage{Path: d.cfg.SessionFile}
	}
	client := telegram.NewClient(d.cfg.AppID, d.cfg.AppHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &mtprotoConn{cancel: cancel, done: make(chan struct{})}
	ready := make(chan error, 1)

	go func() {
		defer close(c.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				if _, err := client.Auth().Bot(ctx, d.cfg.BotToken); err != nil {
					return fmt.Errorf("bot auth: %w", err)
				}
			}
			c.api = client.API()
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		c.setErr(err)
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, classify(ctx, err)
		}
		return c, nil
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	}
}

type mtprotoConn struct {
	api    *tg.Client
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (c *mtprotoConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// SendFile uploads the file and posts it to dest as a document.
func (c *mtprotoConn) SendFile(ctx context.Context, dest int64, f File, obs progress.Observer) error {
	select {
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return &delivery.NetworkError{Op: "secondary session", Err: fmt.Errorf("session closed: %v", err)}
	default:
	}

	up := uploader.NewUploader(c.api).WithProgress(uploadProgress{obs: obs})
	file, err := up.FromPath(ctx, f.Path)
	if err != nil {
		return classify(ctx, err)
	}

	doc := message.UploadedDocument(file, styling.Plain(f.Caption)).
		Filename(f.Name).
		ForceFile(true)
	if f.MIME != "" {
		doc = doc.MIME(f.MIME)
	}

	if _, err := message.NewSender(c.api).To(InputPeer(dest)).Media(ctx, doc); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (c *mtprotoConn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

type uploadProgress struct {
	obs progress.Observer
}

func (p uploadProgress) Chunk(_ context.Context, state uploader.ProgressState) error {
	p.obs.Observe(progress.Update{
		Stage: progress.StageUpload,
		Bytes: state.Uploaded,
		Total: state.Total,
	})
	return nil
}

// Bot API chat identifiers: positive for users, -N for basic groups and
// -100NNNNNNNNNN for channels and supergroups.
const channelIDOffset = 1_000_000_000_000

// InputPeer converts a Bot API chat identifier to an MTProto peer. Access
// hashes are left zero, which bot accounts may use for peers they can see.
func InputPeer(chatID int64) tg.InputPeerClass {
	switch {
	case chatID > 0:
		return &tg.InputPeerUser{UserID: chatID}
	case chatID < -channelIDOffset:
		return &tg.InputPeerChannel{ChannelID: -chatID - channelIDOffset}
	default:
		return &tg.InputPeerChat{ChatID: -chatID}
	}
}

// Peers built by InputPeer carry no access hash, so a destination the
// session has never seen is rejected with one of these.
var unknownPeer = map[string]bool{
	"PEER_ID_INVALID": true,
	"CHAT_ID_INVALID": true,
	"CHANNEL_INVALID": true,
	"USER_ID_INVALID": true,
	"CHANNEL_PRIVATE": true,
}

func classify(ctx context.Context, err error) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &delivery.RateLimitedError{Wait: d}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		permanent := rpcErr.Code == 400 || rpcErr.Code == 403 ||
			(strings.HasPrefix(rpcErr.Type, "FILE_PART") && strings.HasSuffix(rpcErr.Type, "MISSING"))
		detail := rpcErr.Type
		if unknownPeer[rpcErr.Type] {
			permanent = true
			detail += ": destination is not known to this session yet, it must message the bot first"
		}
		return &delivery.TransportError{
			Transport: "secondary",
			Code:      rpcErr.Code,
			Detail:    detail,
			Permanent: permanent,
			Err:       err,
		}
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return &delivery.NetworkError{Op: "secondary", Err: err}
}
