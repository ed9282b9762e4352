package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/config"
	"github.com/medellinbot/medellinbot/pkg/logger"
)

const (
	telegramChannelName = "telegram"

	// Telegram rejects texts above 4096 characters.
	maxMessageRunes = 4000
)

var errBotNotInitialized = errors.New("telegram bot not initialized")

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return w.bot.GetWebhookInfo()
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Button is one inline keyboard button; Data is the callback payload.
type Button struct {
	Text string
	Data string
}

// Options controls how an outbound text is rendered.
type Options struct {
	Buttons  [][]Button
	Markdown bool
}

// TelegramChannel is the chat transport. It feeds inbound updates to the bus
// (polling or webhook) and sends, edits and acknowledges on behalf of the bot
// and the dispatcher. Safe for concurrent use once initialized.
type TelegramChannel struct {
	BaseChannel
	token      string
	mode       string
	proxy      string
	bot        TelegramBot
	cancel     context.CancelFunc
	botFactory BotFactory
	log        *logger.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, log *logger.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, log, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, log *logger.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.ModePolling
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		mode:        mode,
		proxy:       cfg.Proxy,
		botFactory:  factory,
		log:         logger.OrNop(log).Named("telegram"),
	}, nil
}

// Init connects to the Bot API without receiving updates. Start calls it;
// one-shot commands (dispatch, webhook management) call it directly.
func (t *TelegramChannel) Init() error {
	if t.bot != nil {
		return nil
	}
	return t.initBot()
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

// Start initializes the bot and, in polling mode, begins long polling. In
// webhook mode updates arrive through WebhookHandler instead.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.Init(); err != nil {
		return err
	}
	if t.mode == config.ModeWebhook {
		t.log.Info("webhook mode, polling disabled")
		return nil
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.Dispatch(ctx, update)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info("polling started")
	return nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil && t.mode != config.ModeWebhook {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Dispatch converts a raw update and pushes it onto the bus. Updates that are
// neither text messages nor button presses, and senders outside the allow
// list, are dropped. It reports whether the update was queued.
func (t *TelegramChannel) Dispatch(ctx context.Context, update tgbotapi.Update) bool {
	in, ok := convertUpdate(update)
	if !ok {
		return false
	}
	if !t.IsAllowed(strconv.FormatInt(in.SenderID, 10), in.Username) {
		t.log.Debug("rejected update", zap.Int64("user_id", in.SenderID), zap.String("username", in.Username))
		return false
	}

	select {
	case t.bus.Inbound <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

func convertUpdate(update tgbotapi.Update) (bus.Update, bool) {
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil {
			return bus.Update{}, false
		}
		in := bus.Update{
			Channel:      telegramChannelName,
			SenderID:     cq.From.ID,
			ChatID:       cq.From.ID,
			Timestamp:    time.Now(),
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.Message != nil {
			if cq.Message.Chat != nil {
				in.ChatID = cq.Message.Chat.ID
			}
			in.MessageID = cq.Message.MessageID
		}
		fillSender(&in, cq.From)
		return in, true

	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Chat == nil || msg.Text == "" {
			return bus.Update{}, false
		}
		in := bus.Update{
			Channel:   telegramChannelName,
			SenderID:  msg.From.ID,
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
			Text:      msg.Text,
			Timestamp: time.Unix(int64(msg.Date), 0),
		}
		fillSender(&in, msg.From)
		return in, true
	}
	return bus.Update{}, false
}

func fillSender(in *bus.Update, u *tgbotapi.User) {
	in.Username = u.UserName
	in.FirstName = u.FirstName
	in.LastName = u.LastName
	in.LanguageCode = u.LanguageCode
}

// WebhookHandler accepts Telegram webhook deliveries. It always answers 200
// for well-formed bodies so Telegram does not redeliver dropped updates.
func (t *TelegramChannel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
			t.log.Warn("decode webhook update", zap.Error(err))
			http.Error(w, `{"ok":false}`, http.StatusBadRequest)
			return
		}
		t.Dispatch(r.Context(), update)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

// SendText sends text to a chat, splitting it into chunks Telegram accepts.
// Buttons go on the last chunk. A Markdown chunk Telegram refuses to parse is
// resent once as plain text.
func (t *TelegramChannel) SendText(ctx context.Context, chatID int64, text string, opts Options) error {
	if t.bot == nil {
		return errBotNotInitialized
	}

	chunks := splitMessage(text, maxMessageRunes)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == len(chunks)-1 {
			if markup := keyboard(opts.Buttons); markup != nil {
				msg.ReplyMarkup = *markup
			}
		}
		if opts.Markdown {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}

		if _, err := t.bot.Send(msg); err != nil {
			if !opts.Markdown || IsUnreachable(err) {
				return fmt.Errorf("send telegram message: %w", err)
			}
			// Retry without parse mode
			msg.ParseMode = ""
			if _, err2 := t.bot.Send(msg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// EditText replaces the text and keyboard of a message the bot sent earlier.
// Editing a message to identical content counts as success.
func (t *TelegramChannel) EditText(ctx context.Context, chatID int64, messageID int, text string, opts Options) error {
	if t.bot == nil {
		return errBotNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if utf8.RuneCountInString(text) > maxMessageRunes {
		text = string([]rune(text)[:maxMessageRunes])
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = keyboard(opts.Buttons)
	if opts.Markdown {
		edit.ParseMode = tgbotapi.ModeMarkdown
	}

	_, err := t.bot.Send(edit)
	if err == nil || isNotModified(err) {
		return nil
	}
	if opts.Markdown {
		edit.ParseMode = ""
		_, err = t.bot.Send(edit)
		if err == nil || isNotModified(err) {
			return nil
		}
	}
	return fmt.Errorf("edit telegram message: %w", err)
}

// Answer acknowledges a button press, optionally with a toast or an alert.
func (t *TelegramChannel) Answer(ctx context.Context, callbackID, text string, alert bool) error {
	if t.bot == nil {
		return errBotNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cb := tgbotapi.NewCallback(callbackID, text)
	cb.ShowAlert = alert
	if _, err := t.bot.Request(cb); err != nil {
		return fmt.Errorf("answer callback query: %w", err)
	}
	return nil
}

// SetWebhook registers link as the update endpoint for message and button
// updates.
func (t *TelegramChannel) SetWebhook(link string) error {
	if t.bot == nil {
		return errBotNotInitialized
	}
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "callback_query"}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}
	t.log.Info("webhook registered", zap.String("url", link))
	return nil
}

func (t *TelegramChannel) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	if t.bot == nil {
		return tgbotapi.WebhookInfo{}, errBotNotInitialized
	}
	info, err := t.bot.GetWebhookInfo()
	if err != nil {
		return tgbotapi.WebhookInfo{}, fmt.Errorf("get telegram webhook info: %w", err)
	}
	return info, nil
}

func (t *TelegramChannel) DeleteWebhook() error {
	if t.bot == nil {
		return errBotNotInitialized
	}
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete telegram webhook: %w", err)
	}
	return nil
}

// IsUnreachable reports whether err means the user blocked the bot or the
// chat no longer exists.
func IsUnreachable(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusForbidden
	}
	return false
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func keyboard(rows [][]Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	if len(out) == 0 {
		return nil
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

// splitMessage cuts text into pieces of at most limit runes, preferring the
// last newline inside each window.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return chunks
}
