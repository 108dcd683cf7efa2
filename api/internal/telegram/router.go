// Package telegram is the chat front-end: users send a fish photo and get the
// species, its no-catch season and, when an assistant is configured, a short
// fishing guide.
package telegram

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"snapish/api/internal/assistant"
	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
	"snapish/api/internal/pipeline"
	"snapish/api/internal/species"
)

// BotAPI is the subset of *tgbotapi.BotAPI the bot uses.
type BotAPI interface {
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Predictor interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)
}

type Poller interface {
	Wait(ctx context.Context, h assistant.Handle) (string, error)
}

type Router struct {
	Bot       BotAPI
	Pipeline  Predictor
	Assistant Poller // nil skips the guide follow-up
	Download  func(ctx context.Context, url string) ([]byte, error)

	busy chatLocks
}

func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		metrics.BotUpdates.WithLabelValues("other").Inc()
		return
	}
	cid := msg.Chat.ID

	switch {
	case msg.IsCommand():
		metrics.BotUpdates.WithLabelValues("command").Inc()
		r.HandleCommand(msg)
	case len(msg.Photo) > 0:
		metrics.BotUpdates.WithLabelValues("photo").Inc()
		// the last size is the largest
		r.acceptPhoto(ctx, cid, msg.Photo[len(msg.Photo)-1].FileID, "")
	case msg.Document != nil && isImageDocument(msg.Document):
		metrics.BotUpdates.WithLabelValues("photo").Inc()
		r.acceptPhoto(ctx, cid, msg.Document.FileID, msg.Document.FileName)
	default:
		metrics.BotUpdates.WithLabelValues("other").Inc()
		r.send(cid, textSendPhoto)
	}
}

func (r *Router) HandleCommand(msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		r.send(cid, textHelp)
	case "health":
		r.send(cid, "✅ OK")
	case "season":
		name := strings.TrimSpace(msg.CommandArguments())
		if name == "" {
			r.send(cid, "사용법: /season 어종이름 (예: /season 감성돔)")
			return
		}
		r.send(cid, seasonText(name, species.ProhibitedSeason(name)))
	default:
		r.send(cid, "알 수 없는 명령어예요. /help 를 입력해 보세요.")
	}
}

func (r *Router) acceptPhoto(ctx context.Context, cid int64, fileID, filename string) {
	if !r.busy.tryLock(cid) {
		r.send(cid, textBusy)
		return
	}
	defer r.busy.unlock(cid)

	log := logging.Ctx(ctx).With().Int64("chat_id", cid).Logger()

	url, err := r.Bot.GetFileDirectURL(fileID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram get file")
		r.send(cid, textDownloadFailed)
		return
	}
	download := r.Download
	if download == nil {
		download = Download
	}
	data, err := download(ctx, url)
	if err != nil {
		log.Warn().Err(err).Msg("telegram download")
		r.send(cid, textDownloadFailed)
		return
	}

	r.typing(cid)
	out, err := r.Pipeline.Run(ctx, pipeline.Input{Image: data, Filename: filename})
	if err != nil {
		r.sendError(cid, err)
		if !isInputError(err) {
			log.Error().Err(err).Msg("telegram predict")
		}
		return
	}

	switch out.Outcome {
	case detect.OutcomeNoDetection:
		r.send(cid, textNoFish)
		return
	case detect.OutcomeLowConfidence:
		r.send(cid, textLowConfidence)
		return
	}
	r.sendMarkdown(cid, formatDetections(out.Detections))

	if out.Assistant == nil || r.Assistant == nil {
		return
	}
	r.send(cid, textGuidePending)
	r.typing(cid)
	guide, err := r.Assistant.Wait(ctx, *out.Assistant)
	switch {
	case err == nil:
		r.send(cid, guide)
	case errors.Is(err, assistant.ErrTimeout):
		r.send(cid, textGuideTimeout)
	case errors.Is(err, context.Canceled):
	default:
		log.Warn().Err(err).
			Str("thread_id", out.Assistant.ThreadID).
			Str("run_id", out.Assistant.RunID).
			Msg("telegram guide")
		r.send(cid, textGuideFailed)
	}
}

func (r *Router) sendError(cid int64, err error) {
	switch {
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		r.send(cid, textUnsupported)
	case errors.Is(err, imaging.ErrCorruptImage):
		r.send(cid, textCorrupt)
	case errors.Is(err, detect.ErrInference):
		r.send(cid, textDetectorDown)
	default:
		r.send(cid, textInternal)
	}
}

func isInputError(err error) bool {
	return errors.Is(err, imaging.ErrUnsupportedFormat) || errors.Is(err, imaging.ErrCorruptImage)
}

func isImageDocument(d *tgbotapi.Document) bool {
	switch d.MimeType {
	case imaging.MIMEJPEG, imaging.MIMEPNG:
		return true
	}
	return d.MimeType == "" && imaging.AllowedFilename(d.FileName)
}

func (r *Router) send(chatID int64, text string) {
	if len(text) > maxMessageLen {
		text = truncate(text, maxMessageLen)
	}
	if _, err := r.Bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logging.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send")
	}
}

func (r *Router) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := r.Bot.Send(msg); err != nil {
		logging.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send")
	}
}

func (r *Router) typing(chatID int64) {
	_, _ = r.Bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}
