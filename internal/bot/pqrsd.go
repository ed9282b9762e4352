package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/conversation"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/metrics"
)

const (
	minDescriptionRunes = 20
	maxSubjectRunes     = 200
	personalInfoFields  = 5
	trackingAttempts    = 3
)

var (
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern     = regexp.MustCompile(`^3\d{9}$`)
	citizenIDPattern = regexp.MustCompile(`^\d{6,12}$`)
)

// PersonalInfo is the citizen data collected in the last PQRSD step.
type PersonalInfo struct {
	Name      string
	CitizenID string
	Email     string
	Phone     string
	Address   string
}

// ErrTooFewFields and the Invalid* errors are the validation outcomes of
// ParsePersonalInfo, checked in this order.
var (
	ErrTooFewFields     = errors.New("personal info needs five lines")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrInvalidPhone     = errors.New("invalid phone")
	ErrInvalidCitizenID = errors.New("invalid citizen id")
)

// ParsePersonalInfo reads name, citizen id, email, phone and address from
// newline separated text. Blank lines are ignored; lines beyond the fifth are
// joined into the address. The phone is returned without whitespace.
func ParsePersonalInfo(text string) (PersonalInfo, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < personalInfoFields {
		return PersonalInfo{}, ErrTooFewFields
	}

	info := PersonalInfo{
		Name:      lines[0],
		CitizenID: lines[1],
		Email:     lines[2],
		Phone:     strings.Join(strings.Fields(lines[3]), ""),
		Address:   strings.Join(lines[4:], " "),
	}
	switch {
	case !emailPattern.MatchString(info.Email):
		return info, ErrInvalidEmail
	case !phonePattern.MatchString(info.Phone):
		return info, ErrInvalidPhone
	case !citizenIDPattern.MatchString(info.CitizenID):
		return info, ErrInvalidCitizenID
	}
	return info, nil
}

func personalInfoError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEmail):
		return textInvalidEmail
	case errors.Is(err, ErrInvalidPhone):
		return textInvalidPhone
	case errors.Is(err, ErrInvalidCitizenID):
		return textInvalidCitizenID
	}
	return textPersonalInfoShort
}

func (b *Bot) startPQRSD(ctx context.Context, u bus.Update) error {
	if _, err := b.store.Begin(ctx, u.SenderID, conversation.SelectType{}); err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("begin pqrsd: %w", err)
	}
	metrics.RecordTransition(string(conversation.KindPQRSD), string(conversation.StepSelectType))
	return b.show(ctx, u, textPQRSDStart, channel.Options{Markdown: true, Buttons: typeMenuButtons()})
}

// activeFor loads the user's active conversation of kind. A nil conversation
// with a nil error means there is none; the button press has already been
// answered with the session-expired alert.
func (b *Bot) activeFor(ctx context.Context, u bus.Update, kind conversation.Kind) (*store.Conversation, error) {
	conv, err := b.store.Active(ctx, u.SenderID, kind)
	if errors.Is(err, store.ErrNotFound) {
		return nil, b.answer(ctx, u, alertSessionExpired, true)
	}
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

// advance moves conv from its current step to next. A stale conversation
// yields (false, nil) so callers drop the update.
func (b *Bot) advance(ctx context.Context, conv *store.Conversation, next conversation.State) (bool, error) {
	from := conv.Step()
	err := b.store.Advance(ctx, conv.ID, from, next)
	if errors.Is(err, store.ErrStaleConversation) {
		b.log.Debug("stale conversation", zap.String("conversation_id", conv.ID), zap.String("step", string(from)))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance conversation %s: %w", conv.ID, err)
	}
	metrics.RecordTransition(string(conv.Kind), string(next.Step()))
	return true, nil
}

func (b *Bot) selectType(ctx context.Context, u bus.Update, t classifier.RequestType) error {
	conv, err := b.activeFor(ctx, u, conversation.KindPQRSD)
	if conv == nil {
		return err
	}

	var description string
	switch state := conv.State.(type) {
	case conversation.SelectType:
		description = state.Description
	case conversation.AwaitingDescription:
		description = state.Description
	default:
		return b.answer(ctx, u, alertSessionExpired, true)
	}

	ok, err := b.advance(ctx, conv, conversation.AwaitingDescription{SelectedType: t, Description: description})
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return err
	}
	if !ok {
		return b.answer(ctx, u, alertSessionExpired, true)
	}
	return b.show(ctx, u, descriptionPrompt(t), channel.Options{Markdown: true, Buttons: [][]channel.Button{cancelPQRSDRow}})
}

func (b *Bot) handleDescription(ctx context.Context, u bus.Update, conv *store.Conversation, state conversation.AwaitingDescription, text string) error {
	if utf8.RuneCountInString(text) < minDescriptionRunes {
		return b.send(ctx, u, textDescriptionShort, channel.Options{})
	}

	var result classifier.Result
	if state.SelectedType.Valid() {
		result = classifier.ClassifyAs(text, state.SelectedType)
	} else {
		result = classifier.Classify(text)
	}

	ok, err := b.advance(ctx, conv, conversation.ConfirmClassification{Description: text, Classification: result})
	if err != nil || !ok {
		return err
	}

	entityName := ""
	if result.HasEntity() {
		if e, err := b.store.EntityByCode(ctx, result.SuggestedEntity); err == nil {
			entityName = e.Name
		} else if !errors.Is(err, store.ErrNotFound) {
			b.log.Warn("resolve suggested entity", zap.String("code", result.SuggestedEntity), zap.Error(err))
		}
	}
	return b.send(ctx, u, classificationSummary(result, entityName), channel.Options{Markdown: true, Buttons: confirmButtons()})
}

func (b *Bot) confirmClassification(ctx context.Context, u bus.Update, confirmed bool) error {
	conv, err := b.activeFor(ctx, u, conversation.KindPQRSD)
	if conv == nil {
		return err
	}
	state, isConfirm := conv.State.(conversation.ConfirmClassification)
	if !isConfirm {
		return b.answer(ctx, u, alertSessionExpired, true)
	}

	var (
		next   conversation.State
		text   string
		markup channel.Options
	)
	if confirmed {
		next = conversation.AwaitingPersonalInfo{Description: state.Description, Classification: state.Classification}
		text = textPersonalInfoPrompt
		markup = channel.Options{Markdown: true, Buttons: [][]channel.Button{cancelPQRSDRow}}
	} else {
		next = conversation.SelectType{Description: state.Description}
		text = textPQRSDStart
		markup = channel.Options{Markdown: true, Buttons: typeMenuButtons()}
	}

	ok, err := b.advance(ctx, conv, next)
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return err
	}
	if !ok {
		return b.answer(ctx, u, alertSessionExpired, true)
	}
	return b.show(ctx, u, text, markup)
}

func (b *Bot) handlePersonalInfo(ctx context.Context, u bus.Update, conv *store.Conversation, state conversation.AwaitingPersonalInfo, text string) error {
	info, err := ParsePersonalInfo(text)
	if err != nil {
		return b.send(ctx, u, personalInfoError(err), channel.Options{})
	}

	c := state.Classification
	req := &store.Request{
		UserID:         u.SenderID,
		Type:           c.Type,
		Subject:        truncateRunes(state.Description, maxSubjectRunes),
		Description:    state.Description,
		CitizenName:    info.Name,
		CitizenID:      info.CitizenID,
		CitizenEmail:   info.Email,
		CitizenPhone:   info.Phone,
		CitizenAddress: info.Address,
		Confidence:     c.Confidence,
		Priority:       c.Priority,
		Status:         store.StatusPending,
	}
	if !req.Priority.Valid() {
		req.Priority = classifier.PriorityNormal
	}
	if c.HasEntity() {
		e, err := b.store.EntityByCode(ctx, c.SuggestedEntity)
		switch {
		case err == nil:
			req.EntityID = &e.ID
		case !errors.Is(err, store.ErrNotFound):
			b.log.Warn("resolve suggested entity", zap.String("code", c.SuggestedEntity), zap.Error(err))
		}
	}

	err = b.createRequest(ctx, conv, req)
	switch {
	case errors.Is(err, store.ErrStaleConversation):
		b.log.Debug("stale conversation on submit", zap.String("conversation_id", conv.ID))
		return nil
	case err != nil:
		b.log.Error("create request", zap.Int64("user_id", u.SenderID), zap.String("conversation_id", conv.ID), zap.Error(err))
		if sendErr := b.send(ctx, u, textCreateFailed, channel.Options{}); sendErr != nil {
			b.log.Warn("send failure notice", zap.Error(sendErr))
		}
		return err
	}

	metrics.RecordTransition(string(conversation.KindPQRSD), "completed")
	metrics.RecordRequestCreated(string(req.Type), string(req.Priority))
	b.log.Info("request created",
		zap.Int64("user_id", u.SenderID),
		zap.String("tracking_number", req.TrackingNumber),
		zap.String("type", string(req.Type)))

	ev := store.Event{
		Type:     store.EventPQRSDCreated,
		UserID:   u.SenderID,
		Metadata: map[string]any{"request_type": string(req.Type), "priority": string(req.Priority)},
	}
	if req.EntityID != nil {
		ev.EntityID = *req.EntityID
	}
	b.record(ctx, ev)

	return b.send(ctx, u, createdMessage(req.TrackingNumber), channel.Options{
		Markdown: true,
		Buttons: [][]channel.Button{
			row(btn("🔍 Rastrear Solicitud", payloadTrackMenu)),
			row(btn("🏠 Menú Principal", payloadMainMenu)),
		},
	})
}

// createRequest stores req and completes conv in one step, drawing a fresh
// tracking number when the previous one collided.
func (b *Bot) createRequest(ctx context.Context, conv *store.Conversation, req *store.Request) error {
	var err error
	for attempt := 0; attempt < trackingAttempts; attempt++ {
		req.ID = ""
		req.TrackingNumber = b.tracking()
		err = b.store.CompleteWithRequest(ctx, conv.ID, conversation.StepAwaitingPersonalInfo, req)
		if !errors.Is(err, store.ErrDuplicateTracking) {
			return err
		}
		b.log.Warn("tracking number collision", zap.String("tracking_number", req.TrackingNumber))
	}
	return fmt.Errorf("issue tracking number after %d attempts: %w", trackingAttempts, err)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
