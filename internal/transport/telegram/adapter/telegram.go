package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"signalbot/internal/transport"
	logx "signalbot/pkg/logx"
)

// Config configures the send-only Telegram adapter.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (self-hosted bot API server, tests).
	APIURL string
	// Timeout bounds each HTTP call made by telebot.
	Timeout time.Duration
	// RatePerSec paces sends across all destinations. 0 disables pacing.
	RatePerSec float64
	// Offline skips the getMe round-trip at construction.
	Offline bool
}

// Adapter publishes broadcast messages through the Telegram Bot API.
// It never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.SetRate(cfg.RatePerSec)
	return a, nil
}

// SetRate replaces the send pacing. It is safe to call while sending.
func (a *Adapter) SetRate(perSec float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if perSec <= 0 {
		a.limiter = nil
		return
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	a.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

func (a *Adapter) currentLimiter() *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limiter
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// Send delivers text to the destination and returns the first message id.
//
// Each Bot API call runs under ctx: when ctx ends first, Send returns
// ctx.Err() even though the HTTP request may still complete in the background.
// Callers treat that case as an unconfirmed send. Long text goes out in
// parts; a failure after the first part returns *transport.PartialSendError.
func (a *Adapter) Send(ctx context.Context, to transport.Destination, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.IsZero() {
		return transport.MessageRef{}, transport.ErrNoDestination
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if lim := a.currentLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, err
		}
	}

	chat := &tele.Chat{ID: to.ChatID}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	var first transport.MessageRef
	for i, chunk := range chunks {
		err := ctx.Err()
		var msg *tele.Message
		if err == nil {
			msg, err = a.sendChunk(ctx, chat, chunk, &tele.SendOptions{
				ParseMode:             opt.ParseMode,
				DisableWebPagePreview: opt.DisablePreview,
				DisableNotification:   opt.Silent,
				ThreadID:              to.ThreadID,
			})
		}
		if err != nil {
			if i == 0 {
				return transport.MessageRef{}, err
			}
			a.log.Warn("telegram message partially sent",
				logx.Int64("chat_id", to.ChatID), logx.Int("delivered", i), logx.Int("parts", len(chunks)), logx.Err(err))
			return first, &transport.PartialSendError{First: first, Delivered: i, Parts: len(chunks), Err: err}
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) sendChunk(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(chat, text, opt)
		done <- result{msg: msg, err: err}
	}()
	select {
	case <-ctx.Done():
		a.log.Warn("telegram send abandoned", logx.Int64("chat_id", chat.ID), logx.Err(ctx.Err()))
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.msg == nil {
			return nil, errors.New("telegram returned no message")
		}
		return r.msg, nil
	}
}
