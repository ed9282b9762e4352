package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/conversation"
	"github.com/medellinbot/medellinbot/internal/store"
)

type sentMessage struct {
	ChatID    int64
	MessageID int // set for edits
	Text      string
	Opts      channel.Options
}

type answered struct {
	ID    string
	Text  string
	Alert bool
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	edits   []sentMessage
	answers []answered
	sendErr error
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID int64, text string, opts channel.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Opts: opts})
	return nil
}

func (f *fakeMessenger) EditText(ctx context.Context, chatID int64, messageID int, text string, opts channel.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{ChatID: chatID, MessageID: messageID, Text: text, Opts: opts})
	return nil
}

func (f *fakeMessenger) Answer(ctx context.Context, callbackID, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answered{ID: callbackID, Text: text, Alert: alert})
	return nil
}

func (f *fakeMessenger) lastSent(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) lastEdit(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("no message edited")
	}
	return f.edits[len(f.edits)-1]
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []store.Event
}

func (r *fakeRecorder) Record(ctx context.Context, e store.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	bot    *Bot
	store  *store.Store
	msg    *fakeMessenger
	events *fakeRecorder
	entity *store.Entity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	entity := &store.Entity{Code: "ALCALDIA", Name: "Alcaldía de Medellín", ContactPhone: "(604) 44 44 144", IsActive: true}
	if err := s.UpsertEntity(ctx, entity); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	for _, p := range []store.Procedure{
		{Name: "Certificado de residencia", Description: "Expedición del certificado de residencia para trámites", Cost: 12500, IsActive: true},
		{Name: "Impuesto predial", Description: "Pago del impuesto predial unificado", IsActive: true},
	} {
		p.EntityID = entity.ID
		if err := s.UpsertProcedure(ctx, &p); err != nil {
			t.Fatalf("seed procedure: %v", err)
		}
	}

	msg := &fakeMessenger{}
	rec := &fakeRecorder{}
	b, err := New(Deps{Store: s, Messenger: msg, Events: rec})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &harness{bot: b, store: s, msg: msg, events: rec, entity: entity}
}

func (h *harness) say(t *testing.T, userID int64, text string) {
	t.Helper()
	err := h.bot.HandleUpdate(context.Background(), bus.Update{
		Channel: "telegram", SenderID: userID, ChatID: userID, MessageID: 100, Text: text,
	})
	if err != nil {
		t.Fatalf("HandleUpdate(%q) error: %v", text, err)
	}
}

func (h *harness) press(t *testing.T, userID int64, payload string) {
	t.Helper()
	err := h.bot.HandleUpdate(context.Background(), bus.Update{
		Channel: "telegram", SenderID: userID, ChatID: userID, MessageID: 7,
		CallbackID: "cb-" + payload, CallbackData: payload,
	})
	if err != nil {
		t.Fatalf("HandleUpdate(%q) error: %v", payload, err)
	}
}

func (h *harness) requests(t *testing.T) []store.Request {
	t.Helper()
	reqs, _, err := h.store.ListRequests(context.Background(), store.RequestFilter{})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	return reqs
}

func (h *harness) step(t *testing.T, userID int64) conversation.Step {
	t.Helper()
	conv, err := h.store.Active(context.Background(), userID, conversation.KindPQRSD)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	return conv.Step()
}

const (
	complaint    = "El funcionario de la ventanilla me atendió muy mal"
	personalInfo = "Ana Gómez\n1020304050\nana@example.com\n3012345678\nCalle 1 #2-3"
)

func hasButton(opts channel.Options, payload string) bool {
	for _, r := range opts.Buttons {
		for _, b := range r {
			if b.Data == payload {
				return true
			}
		}
	}
	return false
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Messenger: &fakeMessenger{}}); err == nil {
		t.Error("expected error without store")
	}
}

func TestStart_RegistersUserAndShowsMenu(t *testing.T) {
	h := newHarness(t)
	h.say(t, 42, "/start")
	h.say(t, 42, "/start")

	u, err := h.store.UserByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if u.InteractionCount != 2 || u.LanguageCode != "es" {
		t.Errorf("user = %+v", u)
	}
	last := h.msg.lastSent(t)
	if !strings.Contains(last.Text, "Bienvenido") || !hasButton(last.Opts, "menu_pqrsd") {
		t.Errorf("unexpected welcome: %+v", last)
	}
	if got := h.events.types(); len(got) != 2 || got[0] != store.EventBotStarted {
		t.Errorf("events = %v", got)
	}
}

func TestPQRSD_EndToEnd(t *testing.T) {
	h := newHarness(t)
	const user = 1001

	h.press(t, user, "menu_pqrsd")
	if got := h.step(t, user); got != conversation.StepSelectType {
		t.Fatalf("step = %q, want select_type", got)
	}
	if !hasButton(h.msg.lastEdit(t).Opts, "pqrsd_type_queja") {
		t.Fatal("type menu missing queja button")
	}

	h.press(t, user, "pqrsd_type_queja")
	if got := h.step(t, user); got != conversation.StepAwaitingDescription {
		t.Fatalf("step = %q, want awaiting_description", got)
	}

	h.say(t, user, complaint)
	if got := h.step(t, user); got != conversation.StepConfirmClassification {
		t.Fatalf("step = %q, want confirm_classification", got)
	}
	if txt := h.msg.lastSent(t).Text; !strings.Contains(txt, "Queja") {
		t.Errorf("summary should show the chosen type: %q", txt)
	}

	h.press(t, user, "confirm_classification_yes")
	if got := h.step(t, user); got != conversation.StepAwaitingPersonalInfo {
		t.Fatalf("step = %q, want awaiting_personal_info", got)
	}

	h.say(t, user, personalInfo)
	if got := h.step(t, user); got != "" {
		t.Fatalf("conversation still active at %q", got)
	}

	reqs := h.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.Type != classifier.Queja || r.Status != store.StatusPending || r.Confidence != 1 {
		t.Errorf("request = %+v", r)
	}
	if !classifier.IsTrackingNumber(r.TrackingNumber) {
		t.Errorf("tracking number %q has wrong format", r.TrackingNumber)
	}
	if r.CitizenName != "Ana Gómez" || r.CitizenAddress != "Calle 1 #2-3" || r.Subject != complaint {
		t.Errorf("citizen fields = %+v", r)
	}
	if txt := h.msg.lastSent(t).Text; !strings.Contains(txt, r.TrackingNumber) {
		t.Errorf("success reply lacks tracking number: %q", txt)
	}
	if got := h.events.types(); got[len(got)-1] != store.EventPQRSDCreated {
		t.Errorf("events = %v", got)
	}
}

func TestPQRSD_ShortDescriptionReprompts(t *testing.T) {
	h := newHarness(t)
	h.press(t, 5, "menu_pqrsd")
	h.press(t, 5, "pqrsd_type_peticion")

	h.say(t, 5, "muy corto, diecinue") // 19 runes
	if got := h.step(t, 5); got != conversation.StepAwaitingDescription {
		t.Fatalf("step = %q, want awaiting_description", got)
	}
	if h.msg.lastSent(t).Text != textDescriptionShort {
		t.Errorf("unexpected reply %q", h.msg.lastSent(t).Text)
	}

	h.say(t, 5, strings.Repeat("ñ", 21))
	if got := h.step(t, 5); got != conversation.StepConfirmClassification {
		t.Fatalf("step = %q, want confirm_classification", got)
	}
}

func TestPQRSD_ChangeTypeKeepsDescription(t *testing.T) {
	h := newHarness(t)
	h.press(t, 6, "menu_pqrsd")
	h.press(t, 6, "pqrsd_type_peticion")
	h.say(t, 6, complaint)
	h.press(t, 6, "confirm_classification_no")

	conv, err := h.store.Active(context.Background(), 6, conversation.KindPQRSD)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	st, ok := conv.State.(conversation.SelectType)
	if !ok || st.Description != complaint {
		t.Fatalf("state = %#v, want SelectType with description", conv.State)
	}
	if !hasButton(h.msg.lastEdit(t).Opts, "pqrsd_type_reclamo") {
		t.Error("type menu not shown again")
	}
}

func TestPQRSD_PersonalInfoValidation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		reply string
	}{
		{"four lines", "Ana\n1020304050\nana@example.com\n3012345678", textPersonalInfoShort},
		{"bad email", "Ana\n1020304050\nana-at-example\n3012345678\nCalle 1", textInvalidEmail},
		{"bad phone", "Ana\n1020304050\nana@example.com\n2012345678\nCalle 1", textInvalidPhone},
		{"bad id", "Ana\n12345\nana@example.com\n3012345678\nCalle 1", textInvalidCitizenID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.press(t, 8, "menu_pqrsd")
			h.press(t, 8, "pqrsd_type_reclamo")
			h.say(t, 8, complaint)
			h.press(t, 8, "confirm_classification_yes")

			h.say(t, 8, tt.input)
			if got := h.step(t, 8); got != conversation.StepAwaitingPersonalInfo {
				t.Errorf("step = %q, want awaiting_personal_info", got)
			}
			if got := h.msg.lastSent(t).Text; got != tt.reply {
				t.Errorf("reply = %q, want %q", got, tt.reply)
			}
			if n := len(h.requests(t)); n != 0 {
				t.Errorf("requests = %d, want 0", n)
			}
		})
	}
}

func TestPQRSD_CancelFromEveryStep(t *testing.T) {
	steps := []struct {
		name string
		prep func(h *harness, t *testing.T)
	}{
		{"select_type", func(h *harness, t *testing.T) {
			h.press(t, 9, "menu_pqrsd")
		}},
		{"awaiting_description", func(h *harness, t *testing.T) {
			h.press(t, 9, "menu_pqrsd")
			h.press(t, 9, "pqrsd_type_denuncia")
		}},
		{"confirm_classification", func(h *harness, t *testing.T) {
			h.press(t, 9, "menu_pqrsd")
			h.press(t, 9, "pqrsd_type_denuncia")
			h.say(t, 9, complaint)
		}},
		{"awaiting_personal_info", func(h *harness, t *testing.T) {
			h.press(t, 9, "menu_pqrsd")
			h.press(t, 9, "pqrsd_type_denuncia")
			h.say(t, 9, complaint)
			h.press(t, 9, "confirm_classification_yes")
		}},
	}
	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.prep(h, t)
			h.press(t, 9, "cancel_pqrsd")

			if got := h.step(t, 9); got != "" {
				t.Errorf("conversation still active at %q", got)
			}
			if !hasButton(h.msg.lastEdit(t).Opts, "menu_pqrsd") {
				t.Error("main menu not shown after cancel")
			}
			// A late personal-info message is dropped.
			h.say(t, 9, personalInfo)
			if n := len(h.requests(t)); n != 0 {
				t.Errorf("requests = %d, want 0", n)
			}
		})
	}
}

func TestPQRSD_StaleButtonAnswersExpired(t *testing.T) {
	h := newHarness(t)
	h.press(t, 11, "confirm_classification_yes")

	if len(h.msg.answers) != 1 || h.msg.answers[0].Text != alertSessionExpired || !h.msg.answers[0].Alert {
		t.Errorf("answers = %+v", h.msg.answers)
	}
	if len(h.msg.edits) != 0 || len(h.msg.sent) != 0 {
		t.Error("stale button must not render anything")
	}
}

func TestText_OutsideConversationDropped(t *testing.T) {
	h := newHarness(t)
	h.say(t, 12, "hola, necesito ayuda")
	if len(h.msg.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(h.msg.sent))
	}
}

func TestPQRSD_TrackingCollisionRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	taken := "MED-TAKEN-0001"
	if err := h.store.CreateRequest(ctx, &store.Request{
		TrackingNumber: taken, UserID: 1, Type: classifier.Peticion, Subject: "x", Description: "x",
	}); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	issued := []string{taken, "MED-FRESH-0002"}
	h.bot.tracking = func() string {
		next := issued[0]
		issued = issued[1:]
		return next
	}

	h.press(t, 13, "menu_pqrsd")
	h.press(t, 13, "pqrsd_type_sugerencia")
	h.say(t, 13, "Sugiero poner más bancas en el parque principal")
	h.press(t, 13, "confirm_classification_yes")
	h.say(t, 13, personalInfo)

	r, err := h.store.RequestByTracking(ctx, "MED-FRESH-0002")
	if err != nil {
		t.Fatalf("request with fresh number not stored: %v", err)
	}
	if r.UserID != 13 || r.CitizenPhone != "3012345678" {
		t.Errorf("request = %+v", r)
	}
}

func TestTracking_FoundAndNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.say(t, 20, "med-nope-0000")
	if got := h.msg.lastSent(t).Text; got != textTrackNotFound {
		t.Errorf("reply = %q, want not found", got)
	}
	if n := len(h.requests(t)); n != 0 {
		t.Errorf("lookup created %d requests", n)
	}

	req := &store.Request{
		TrackingNumber: "MED-ABC123-XYZ4", UserID: 20, EntityID: &h.entity.ID,
		Type: classifier.Reclamo, Subject: "Cobro doble", Description: "Cobro doble en la factura",
	}
	if err := h.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	text, found, err := h.bot.Track(ctx, "  med-abc123-xyz4 ")
	if err != nil || !found {
		t.Fatalf("Track = %v, %v", found, err)
	}
	for _, want := range []string{"MED-ABC123-XYZ4", "Reclamo", "⏳ Pendiente", "Alcaldía de Medellín", "Cobro doble"} {
		if !strings.Contains(text, want) {
			t.Errorf("status text lacks %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Fecha de resolución") {
		t.Error("unresolved request shows a resolution date")
	}

	h.say(t, 20, "MED-ABC123-XYZ4")
	if got := h.events.types(); got[len(got)-1] != store.EventTrackingChecked {
		t.Errorf("events = %v", got)
	}
}

func TestSearch_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.press(t, 30, "search_procedure")
	conv, err := h.store.Active(context.Background(), 30, conversation.KindSearch)
	if err != nil {
		t.Fatalf("search conversation not started: %v", err)
	}

	h.say(t, 30, "certificado de residencia")
	last := h.msg.lastSent(t)
	if !strings.Contains(last.Text, "1 trámite(s)") {
		t.Errorf("reply = %q", last.Text)
	}
	if got := last.Opts.Buttons[0][0].Text; got != "Certificado de residencia - Alcaldía de Medellín" {
		t.Errorf("first result = %q", got)
	}

	done, err := h.store.ConversationByID(context.Background(), conv.ID)
	if err != nil || done.IsActive || done.CompletedAt == nil {
		t.Errorf("search conversation not completed: %+v, %v", done, err)
	}

	// No results still completes.
	h.press(t, 30, "search_procedure")
	h.say(t, 30, "xyz qqq")
	if h.msg.lastSent(t).Text != textNoSearchResults {
		t.Errorf("reply = %q", h.msg.lastSent(t).Text)
	}
	if _, err := h.store.Active(context.Background(), 30, conversation.KindSearch); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("search still active: %v", err)
	}
}

func TestMenus(t *testing.T) {
	h := newHarness(t)

	h.press(t, 40, "menu_procedures")
	if !hasButton(h.msg.lastEdit(t).Opts, "entity_ALCALDIA") {
		t.Error("procedures menu lacks entity")
	}

	h.press(t, 40, "entity_ALCALDIA")
	edit := h.msg.lastEdit(t)
	if len(edit.Opts.Buttons) != 3 {
		t.Fatalf("entity screen rows = %d, want 2 procedures + back", len(edit.Opts.Buttons))
	}

	h.press(t, 40, edit.Opts.Buttons[0][0].Data)
	if txt := h.msg.lastEdit(t).Text; !strings.Contains(txt, "$12.500") || !strings.Contains(txt, "(604) 44 44 144") {
		t.Errorf("procedure details = %q", txt)
	}

	h.press(t, 40, "entity_NOPE")
	if a := h.msg.answers[len(h.msg.answers)-1]; a.Text != alertEntityNotFound {
		t.Errorf("answer = %+v", a)
	}

	h.press(t, 40, "menu_programs")
	if txt := h.msg.lastEdit(t).Text; txt != textNoPrograms {
		t.Errorf("programs = %q", txt)
	}
	h.press(t, 40, "menu_help")
	if !strings.Contains(h.msg.lastEdit(t).Text, "Ayuda") {
		t.Error("help not shown")
	}
	h.press(t, 40, "garbage")
	if a := h.msg.answers[len(h.msg.answers)-1]; a.ID != "cb-garbage" {
		t.Errorf("unknown payload not acknowledged: %+v", a)
	}
}

func TestHandleUpdate_SameUserSerialized(t *testing.T) {
	h := newHarness(t)
	h.press(t, 50, "menu_pqrsd")
	h.press(t, 50, "pqrsd_type_queja")
	h.say(t, 50, complaint)
	h.press(t, 50, "confirm_classification_yes")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.bot.HandleUpdate(context.Background(), bus.Update{SenderID: 50, ChatID: 50, Text: personalInfo})
		}()
	}
	wg.Wait()

	if n := len(h.requests(t)); n != 1 {
		t.Errorf("requests = %d, want exactly 1", n)
	}
	if n := h.bot.locks.size(); n != 0 {
		t.Errorf("lock entries left = %d", n)
	}
}

func TestHandleUpdate_SendFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.msg.sendErr = errors.New("telegram down")
	err := h.bot.HandleUpdate(context.Background(), bus.Update{SenderID: 60, ChatID: 60, Text: "/start"})
	if err == nil {
		t.Error("expected transport error")
	}
}
