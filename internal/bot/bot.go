// Package bot is the conversation engine behind the citizen chat: menus,
// the multi-step PQRSD filing dialogue, procedure search and tracking lookup.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/conversation"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
	"github.com/medellinbot/medellinbot/pkg/metrics"
)

// Messenger is the outbound side of the chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, opts channel.Options) error
	EditText(ctx context.Context, chatID int64, messageID int, text string, opts channel.Options) error
	Answer(ctx context.Context, callbackID, text string, alert bool) error
}

// Store is the persistence the engine reads and writes.
type Store interface {
	Begin(ctx context.Context, userID int64, state conversation.State) (*store.Conversation, error)
	Active(ctx context.Context, userID int64, kind conversation.Kind) (*store.Conversation, error)
	Advance(ctx context.Context, id string, from conversation.Step, next conversation.State) error
	Complete(ctx context.Context, id string, from conversation.Step) error
	Cancel(ctx context.Context, userID int64, kind conversation.Kind) (bool, error)
	CompleteWithRequest(ctx context.Context, id string, from conversation.Step, req *store.Request) error

	RequestByTracking(ctx context.Context, tracking string) (*store.Request, error)
	EntityByCode(ctx context.Context, code string) (*store.Entity, error)
	EntityByID(ctx context.Context, id string) (*store.Entity, error)
	ActiveEntities(ctx context.Context) ([]store.Entity, error)
	ActiveProcedures(ctx context.Context) ([]store.Procedure, error)
	ProceduresByEntity(ctx context.Context, entityID string, limit int) ([]store.Procedure, error)
	ProcedureByID(ctx context.Context, id string) (*store.Procedure, error)
	ActivePrograms(ctx context.Context, limit int) ([]store.Program, error)
	ProgramByID(ctx context.Context, id string) (*store.Program, error)

	TouchUser(ctx context.Context, u store.User) (bool, error)
}

// EventRecorder receives analytics events. Implementations swallow their own
// failures.
type EventRecorder interface {
	Record(ctx context.Context, e store.Event)
}

type Deps struct {
	Store     Store
	Messenger Messenger
	Events    EventRecorder
	Logger    *logger.Logger
	// Location is used for dates shown to citizens. Defaults to UTC.
	Location *time.Location
	// TrackingNumber issues new tracking numbers. Defaults to classifier.NewTrackingNumber.
	TrackingNumber func() string
}

type Bot struct {
	store    Store
	msg      Messenger
	events   EventRecorder
	log      *logger.Logger
	loc      *time.Location
	tracking func() string
	locks    *keyedMutex
}

func New(deps Deps) (*Bot, error) {
	if deps.Store == nil {
		return nil, errors.New("bot: store is required")
	}
	if deps.Messenger == nil {
		return nil, errors.New("bot: messenger is required")
	}
	b := &Bot{
		store:    deps.Store,
		msg:      deps.Messenger,
		events:   deps.Events,
		log:      logger.OrNop(deps.Logger).Named("bot"),
		loc:      deps.Location,
		tracking: deps.TrackingNumber,
		locks:    newKeyedMutex(),
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.tracking == nil {
		b.tracking = classifier.NewTrackingNumber
	}
	return b, nil
}

// HandleUpdate is the single entry point for inbound chat events. Updates of
// the same user are handled one at a time. Expected outcomes (validation
// failures, unknown codes, stale conversations) are answered or dropped here;
// only store and transport faults are returned.
func (b *Bot) HandleUpdate(ctx context.Context, u bus.Update) error {
	unlock := b.locks.Lock(u.SenderID)
	defer unlock()

	var (
		kind string
		err  error
	)
	if u.IsCallback() {
		a := DecodeAction(u.CallbackData)
		kind = "callback_" + a.Kind.String()
		err = b.handleAction(ctx, u, a)
	} else {
		kind = "message"
		err = b.handleText(ctx, u)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordUpdate(kind, outcome)
	return err
}

func (b *Bot) handleText(ctx context.Context, u bus.Update) error {
	text := strings.TrimSpace(u.Text)
	if text == "/start" || strings.HasPrefix(text, "/start ") || strings.HasPrefix(text, "/start@") {
		return b.handleStart(ctx, u)
	}

	conv, err := b.latestActive(ctx, u.SenderID)
	if err != nil {
		return err
	}
	if conv == nil {
		if classifier.IsTrackingNumber(text) {
			return b.handleTracking(ctx, u, text)
		}
		b.log.Debug("ignored text outside a conversation", zap.Int64("user_id", u.SenderID))
		return nil
	}

	switch state := conv.State.(type) {
	case conversation.AwaitingDescription:
		return b.handleDescription(ctx, u, conv, state, text)
	case conversation.AwaitingPersonalInfo:
		return b.handlePersonalInfo(ctx, u, conv, state, u.Text)
	case conversation.AwaitingSearchQuery:
		return b.handleSearchQuery(ctx, u, conv, text)
	}
	// Steps waiting for a button ignore free text.
	b.log.Debug("ignored text at button step",
		zap.Int64("user_id", u.SenderID), zap.String("step", string(conv.Step())))
	return nil
}

// latestActive returns the most recently started active conversation of any
// kind, or nil.
func (b *Bot) latestActive(ctx context.Context, userID int64) (*store.Conversation, error) {
	var latest *store.Conversation
	for _, kind := range []conversation.Kind{conversation.KindPQRSD, conversation.KindSearch} {
		conv, err := b.store.Active(ctx, userID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if latest == nil || conv.StartedAt.After(latest.StartedAt) {
			latest = conv
		}
	}
	return latest, nil
}

func (b *Bot) handleAction(ctx context.Context, u bus.Update, a Action) error {
	switch a.Kind {
	case ActionMainMenu:
		return b.showMainMenu(ctx, u)
	case ActionProceduresMenu:
		return b.showProceduresMenu(ctx, u)
	case ActionSearchProcedure:
		return b.startSearch(ctx, u)
	case ActionEntity:
		return b.showEntityProcedures(ctx, u, a.Arg)
	case ActionProcedure:
		return b.showProcedure(ctx, u, a.Arg)
	case ActionPQRSDMenu:
		return b.startPQRSD(ctx, u)
	case ActionPQRSDType:
		return b.selectType(ctx, u, classifier.RequestType(a.Arg))
	case ActionConfirmYes:
		return b.confirmClassification(ctx, u, true)
	case ActionConfirmNo:
		return b.confirmClassification(ctx, u, false)
	case ActionTrackMenu:
		return b.show(ctx, u, textTrackPrompt, channel.Options{Markdown: true, Buttons: [][]channel.Button{backToMainRow}})
	case ActionProgramsMenu:
		return b.showPrograms(ctx, u)
	case ActionProgram:
		return b.showProgram(ctx, u, a.Arg)
	case ActionHelp:
		return b.show(ctx, u, textHelp, channel.Options{Markdown: true, Buttons: [][]channel.Button{backToMainRow}})
	case ActionCancelPQRSD:
		return b.cancel(ctx, u, conversation.KindPQRSD)
	case ActionCancelSearch:
		return b.cancel(ctx, u, conversation.KindSearch)
	}
	b.log.Debug("unknown callback payload", zap.String("payload", u.CallbackData))
	return b.answer(ctx, u, "", false)
}

func (b *Bot) handleStart(ctx context.Context, u bus.Update) error {
	lang := u.LanguageCode
	if lang == "" {
		lang = "es"
	}
	created, err := b.store.TouchUser(ctx, store.User{
		TelegramID:   u.SenderID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: lang,
	})
	if err != nil {
		// Registration is best effort; the menu still works without it.
		b.log.Error("register user", zap.Int64("user_id", u.SenderID), zap.Error(err))
	} else if created {
		b.log.Info("new user", zap.Int64("user_id", u.SenderID))
	}
	b.record(ctx, store.Event{Type: store.EventBotStarted, UserID: u.SenderID})

	return b.send(ctx, u, textWelcome, channel.Options{Buttons: mainMenuButtons()})
}

func (b *Bot) showMainMenu(ctx context.Context, u bus.Update) error {
	return b.show(ctx, u, textMainMenu, channel.Options{Markdown: true, Buttons: mainMenuButtons()})
}

func (b *Bot) cancel(ctx context.Context, u bus.Update, kind conversation.Kind) error {
	cancelled, err := b.store.Cancel(ctx, u.SenderID, kind)
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("cancel %s: %w", kind, err)
	}
	if cancelled {
		metrics.RecordTransition(string(kind), "cancelled")
	}
	if kind == conversation.KindSearch {
		return b.showProceduresMenu(ctx, u)
	}
	return b.showMainMenu(ctx, u)
}

// show renders a screen for a button press: it edits the message carrying the
// button, acknowledges the press, and falls back to a new message when there is
// nothing to edit.
func (b *Bot) show(ctx context.Context, u bus.Update, text string, opts channel.Options) error {
	var err error
	if u.MessageID != 0 {
		err = b.msg.EditText(ctx, u.ChatID, u.MessageID, text, opts)
	} else {
		err = b.msg.SendText(ctx, u.ChatID, text, opts)
	}
	if u.IsCallback() {
		if aerr := b.answer(ctx, u, "", false); aerr != nil && err == nil {
			err = aerr
		}
	}
	if err != nil {
		return fmt.Errorf("show screen: %w", err)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, u bus.Update, text string, opts channel.Options) error {
	if err := b.msg.SendText(ctx, u.ChatID, text, opts); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) answer(ctx context.Context, u bus.Update, text string, alert bool) error {
	if !u.IsCallback() {
		return nil
	}
	if err := b.msg.Answer(ctx, u.CallbackID, text, alert); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

func (b *Bot) record(ctx context.Context, e store.Event) {
	if b.events == nil {
		return
	}
	b.events.Record(ctx, e)
}

// keyedMutex serializes work per user id. Entries are dropped once nobody
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedEntry)}
}

func (k *keyedMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
