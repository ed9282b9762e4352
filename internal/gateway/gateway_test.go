package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/config"
	"github.com/medellinbot/medellinbot/internal/store"
)

// mockTelegramBot implements channel.TelegramBot for testing
type mockTelegramBot struct {
	mu       sync.Mutex
	texts    []string
	requests []tgbotapi.Chattable
}

func (m *mockTelegramBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (m *mockTelegramBot) StopReceivingUpdates() {}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.texts = append(m.texts, msg.Text)
	}
	return tgbotapi.Message{MessageID: len(m.texts)}, nil
}

func (m *mockTelegramBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "medellinbot_test"}
}

func (m *mockTelegramBot) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	return tgbotapi.WebhookInfo{}, nil
}

func (m *mockTelegramBot) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *mockTelegramBot) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	catalogDir := filepath.Join(dir, "catalog")
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "entity:\n  code: ALCALDIA\n  name: Alcaldía de Medellín\nprocedures:\n  - name: Certificado de residencia\n    cost: 12500\n"
	if err := os.WriteFile(filepath.Join(catalogDir, "alcaldia.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Telegram = config.TelegramConfig{Token: "test-token", Mode: config.ModeWebhook}
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: 0}
	cfg.Store = config.StoreConfig{Driver: store.DriverSQLite, DSN: filepath.Join(dir, "data", "bot.db")}
	cfg.Dispatcher.BroadcastDelayMs = 0
	cfg.Catalog.Dir = catalogDir
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *mockTelegramBot) {
	t.Helper()
	mock := &mockTelegramBot{}
	g, err := NewWithOptions(cfg, Options{
		BotFactory: func(token, endpoint string, client *http.Client) (channel.TelegramBot, error) {
			return mock, nil
		},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(g.Close)
	return g, mock
}

func TestNew_SeedsCatalogAndSchedulesDispatcher(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t))

	e, err := g.Store().EntityByCode(context.Background(), "ALCALDIA")
	if err != nil {
		t.Fatalf("seeded entity missing: %v", err)
	}
	procs, err := g.Store().ProceduresByEntity(context.Background(), e.ID, 0)
	if err != nil || len(procs) != 1 {
		t.Fatalf("procedures = %v, %v; want 1", procs, err)
	}

	jobs := g.cron.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != NotificationsJob || jobs[0].Schedule != config.DefaultDispatchSchedule {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestNew_DispatcherDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatcher.Enabled = false
	g, _ := newTestGateway(t, cfg)
	if n := len(g.cron.ListJobs()); n != 0 {
		t.Fatalf("jobs = %d, want 0", n)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		bot    error
	}{
		{"bad schedule", func(c *config.Config) { c.Dispatcher.Schedule = "every now and then" }, nil},
		{"bad timezone", func(c *config.Config) { c.Timezone = "Mars/Olympus" }, nil},
		{"missing token", func(c *config.Config) { c.Telegram.Token = "" }, nil},
		{"bot api down", func(c *config.Config) {}, errors.New("unauthorized")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewWithOptions(cfg, Options{
				BotFactory: func(string, string, *http.Client) (channel.TelegramBot, error) {
					if tt.bot != nil {
						return nil, tt.bot
					}
					return &mockTelegramBot{}, nil
				},
			})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func get(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t))
	h := g.Handler()

	tests := []struct {
		method, path string
		want         int
		contains     string
	}{
		{http.MethodGet, "/health", http.StatusOK, "healthy"},
		{http.MethodGet, "/ready", http.StatusOK, "ready"},
		{http.MethodGet, "/metrics", http.StatusOK, "medellinbot_"},
		{http.MethodGet, WebhookPath, http.StatusOK, webhookAliveReply},
		{http.MethodGet, AdminPathPrefix + "/entities", http.StatusOK, "ALCALDIA"},
		{http.MethodGet, "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := get(t, h, tt.method, tt.path, "")
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
		if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
			t.Errorf("%s %s body missing %q", tt.method, tt.path, tt.contains)
		}
	}
}

func TestRoutes_AdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	g, _ := newTestGateway(t, cfg)

	if rec := get(t, g.Handler(), http.MethodGet, AdminPathPrefix+"/entities", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReady_StoreClosed(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t))
	_ = g.Store().Close()

	if rec := get(t, g.Handler(), http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestWebhook_QueuesUpdate(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t))

	body := `{"update_id":1,"message":{"message_id":3,"date":1700000000,"text":"hola",` +
		`"from":{"id":42,"first_name":"Ana"},"chat":{"id":42,"type":"private"}}}`
	rec := get(t, g.Handler(), http.MethodPost, WebhookPath, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case u := <-g.bus.Inbound:
		if u.SenderID != 42 || u.Text != "hola" {
			t.Fatalf("unexpected update %+v", u)
		}
	default:
		t.Fatal("update was not queued")
	}

	if rec := get(t, g.Handler(), http.MethodPost, WebhookPath, "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestCronEndpoint_RunsDispatcher(t *testing.T) {
	g, mock := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	if _, err := g.Store().TouchUser(ctx, store.User{TelegramID: 42, LanguageCode: "es"}); err != nil {
		t.Fatal(err)
	}
	n := &store.Notification{Title: "Corte de agua", Message: "Mañana de 8 a 12 en Laureles"}
	if err := g.Store().CreateNotification(ctx, n); err != nil {
		t.Fatal(err)
	}

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		rec := get(t, g.Handler(), method, CronPath, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body %s", method, rec.Code, rec.Body.String())
		}
	}

	texts := mock.sent()
	if len(texts) != 1 || !strings.Contains(texts[0], "Corte de agua") {
		t.Fatalf("sent = %q, want one broadcast", texts)
	}

	var out struct {
		Status  string `json:"status"`
		Summary struct {
			Broadcasts struct{ Items int } `json:"broadcasts"`
		} `json:"summary"`
	}
	rec := get(t, g.Handler(), http.MethodPost, CronPath, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "success" || out.Summary.Broadcasts.Items != 0 {
		t.Fatalf("unexpected response %+v", out)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessLoop(t *testing.T) {
	g, mock := newTestGateway(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()

	g.bus.Inbound <- bus.Update{Channel: "telegram", SenderID: 7, ChatID: 7, Text: "/start", FirstName: "Juan"}
	waitFor(t, func() bool { return len(mock.sent()) > 0 })

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("processLoop did not stop after cancel")
	}

	u, err := g.Store().UserByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("user not registered: %v", err)
	}
	if u.FirstName != "Juan" {
		t.Errorf("FirstName = %q, want Juan", u.FirstName)
	}
}

func TestRun_SignalShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.WebhookURL = "https://bot.example.org/telegram/webhook"

	sigCh := make(chan os.Signal, 1)
	mock := &mockTelegramBot{}
	g, err := NewWithOptions(cfg, Options{
		SignalChan: sigCh,
		BotFactory: func(string, string, *http.Client) (channel.TelegramBot, error) { return mock, nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	waitFor(t, func() bool { return mock.requestCount() > 0 })
	sigCh <- syscall.SIGTERM

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	if err := g.Store().Ping(context.Background()); err == nil {
		t.Error("store should be closed after shutdown")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	g, _ := newTestGateway(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hola", 10); got != "hola" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("señoras y señores", 5); got != "señor..." {
		t.Errorf("truncate long = %q", got)
	}
}
