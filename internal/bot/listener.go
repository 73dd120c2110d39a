// Package bot turns chat messages containing links into deliveries.
package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
)

const usage = "Send me a direct link and I will upload the file here.\n" +
	"To choose the file name, send: <link> | <name>"

// Deliverer runs a delivery.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error)
}

// Replier sends plain chat messages.
type Replier interface {
	SendMessage(ctx context.Context, dest int64, text string) error
}

// Updates is the long-poll update feed.
type Updates interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config tunes a Listener.
type Config struct {
	SizeCeiling int64
	PollTimeout int // seconds
}

// Listener long-polls chat updates and starts a delivery for each link.
type Listener struct {
	updates   Updates
	deliverer Deliverer
	replier   Replier
	cfg       Config

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Connect authorizes token against the Bot API at endpoint (a format string
// taking the token and method, empty for the default) and returns the
// update feed.
func Connect(token, endpoint string, client *http.Client) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("bot api: %w", err)
	}
	return api, nil
}

// NewListener creates a Listener.
func NewListener(u Updates, d Deliverer, r Replier, cfg Config) *Listener {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	return &Listener{updates: u, deliverer: d, replier: r, cfg: cfg}
}

// Run consumes updates until ctx ends, then waits for deliveries it
// started to finish.
func (l *Listener) Run(ctx context.Context) error {
	uc := tgbotapi.NewUpdate(0)
	uc.Timeout = l.cfg.PollTimeout
	uc.AllowedUpdates = []string{"message"}
	ch := l.updates.GetUpdatesChan(uc)

	logging.Info("bot listener started")
	defer func() {
		l.Stop()
		l.wg.Wait()
		logging.Info("bot listener stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(ctx, upd)
		}
	}
}

// Stop stops polling. In-flight deliveries keep running until their
// context ends.
func (l *Listener) Stop() {
	l.stopOnce.Do(l.updates.StopReceivingUpdates)
}

func (l *Listener) handle(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			l.reply(ctx, chatID, usage)
		default:
			l.reply(ctx, chatID, "Unknown command.\n\n"+usage)
		}
		return
	}

	rawURL, name, ok := ParseRequest(msg.Text)
	if !ok {
		l.reply(ctx, chatID, usage)
		return
	}

	var callerID int64
	if msg.From != nil {
		callerID = msg.From.ID
	}
	req := delivery.Request{
		URL:              rawURL,
		Destination:      chatID,
		CallerID:         callerID,
		SizeCeiling:      l.cfg.SizeCeiling,
		FilenameOverride: name,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.reply(ctx, chatID, "Downloading...")
		res, err := l.deliverer.Deliver(ctx, req)
		if err == nil && res != nil {
			l.reply(ctx, chatID, fmt.Sprintf("Delivered %s (%s).", res.Filename, delivery.FormatSize(res.Size)))
			return
		}
		if ctx.Err() != nil {
			return
		}
		logging.WithContext(ctx).Info("chat delivery failed",
			zap.Int64("chat_id", chatID),
			zap.String("kind", delivery.Kind(err)),
			zap.Error(err),
		)
		l.reply(ctx, chatID, delivery.Describe(err))
	}()
}

func (l *Listener) reply(ctx context.Context, chatID int64, text string) {
	if err := l.replier.SendMessage(ctx, chatID, text); err != nil {
		logging.WithContext(ctx).Debug("reply not sent", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// ParseRequest extracts a link and an optional file name from a message of
// the form "<link>" or "<link> | <name>".
func ParseRequest(text string) (rawURL, name string, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", false
	}
	rawURL, name, _ = strings.Cut(text, "|")
	rawURL = strings.TrimSpace(rawURL)
	name = strings.TrimSpace(name)

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return rawURL, name, true
	}
	return "", "", false
}
