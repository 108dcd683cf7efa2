package telegram

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"snapish/api/internal/logging"
)

const (
	// longPollSeconds bounds how long shutdown may wait on an in-flight GetUpdates.
	longPollSeconds = 25
	baseDelay       = time.Second
	maxDelay        = 15 * time.Second
	idleDelay       = 200 * time.Millisecond
	defaultWorkers  = 8
)

// Service long-polls the Bot API and hands updates to the router. It
// implements suture.Service.
type Service struct {
	bot     BotAPI
	router  *Router
	workers int
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewService(bot BotAPI, router *Router, workers int) *Service {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Service{bot: bot, router: router, workers: workers, sleep: sleepCtx}
}

func (s *Service) Serve(ctx context.Context) error {
	log := logging.WithComponent("telegram")
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = longPollSeconds
		updates, err := s.bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			log.Warn().Err(err).Dur("retry_in", d).Msg("polling error")
			if err := s.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(upd tgbotapi.Update) {
				defer wg.Done()
				defer func() { <-sem }()
				defer func() {
					if p := recover(); p != nil {
						log.Error().Interface("panic", p).Int("update_id", upd.UpdateID).Msg("telegram handler panicked")
					}
				}()
				uctx := logging.ContextWithNewCorrelationID(ctx)
				s.router.HandleUpdate(uctx, upd)
			}(upd)
		}

		if len(updates) == 0 {
			if err := s.sleep(ctx, idleDelay); err != nil {
				return err
			}
		}
	}
}

func (s *Service) String() string { return "telegram-bot" }

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

// retryDelayFromError picks a backoff for a failed GetUpdates. Telegram 429s
// carry retry_after; older error strings only mention it in the text.
func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") {
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
