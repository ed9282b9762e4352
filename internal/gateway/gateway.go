// Package gateway wires the store, chat transport, bot, dispatcher, scheduler
// and HTTP surface into one running process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medellinbot/medellinbot/internal/admin"
	"github.com/medellinbot/medellinbot/internal/bot"
	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/catalog"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/config"
	"github.com/medellinbot/medellinbot/internal/cron"
	"github.com/medellinbot/medellinbot/internal/dispatch"
	"github.com/medellinbot/medellinbot/internal/events"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
	"github.com/medellinbot/medellinbot/pkg/tracing"
)

const (
	// NotificationsJob is the scheduler job that runs both dispatcher sweeps.
	NotificationsJob = "notifications"

	shutdownTimeout = 10 * time.Second
	// Upper bound for one update, including every Telegram call it makes.
	updateTimeout = 30 * time.Second
)

// Options for creating a Gateway
type Options struct {
	Logger     *logger.Logger
	BotFactory channel.BotFactory // nil uses the real Bot API
	SignalChan chan os.Signal     // for testing signal handling
	// SkipSeed leaves the catalog directory unread.
	SkipSeed bool
}

type Gateway struct {
	cfg        *config.Config
	log        *logger.Logger
	bus        *bus.MessageBus
	store      *store.Store
	channel    *channel.TelegramChannel
	bot        *bot.Bot
	dispatcher *dispatch.Dispatcher
	cron       *cron.Service
	events     events.Recorder
	nats       *nats.Conn
	tracer     *sdktrace.TracerProvider
	server     *http.Server
	signalChan chan os.Signal

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions opens the store, seeds the catalog and builds every
// component. Nothing is started until Run.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		log:        logger.OrNop(opts.Logger).Named("gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
	}
	built := false
	defer func() {
		if !built {
			g.Close()
		}
	}()

	g.store, err = store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if !opts.SkipSeed {
		if err := g.seed(context.Background()); err != nil {
			return nil, err
		}
	}

	factory := opts.BotFactory
	if factory == nil {
		g.channel, err = channel.NewTelegramChannel(cfg.Telegram, g.bus, opts.Logger)
	} else {
		g.channel, err = channel.NewTelegramChannelWithFactory(cfg.Telegram, g.bus, opts.Logger, factory)
	}
	if err != nil {
		return nil, fmt.Errorf("create telegram channel: %w", err)
	}
	if err := g.channel.Init(); err != nil {
		return nil, err
	}

	recorders := events.Multi{events.NewStoreRecorder(g.store, opts.Logger)}
	if cfg.NATS.URL != "" {
		g.nats, err = events.ConnectNATS(cfg.NATS.URL, opts.Logger)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, events.NewNATSPublisher(g.nats, cfg.NATS.SubjectPrefix, opts.Logger))
	}
	g.events = recorders

	g.bot, err = bot.New(bot.Deps{
		Store:     g.store,
		Messenger: g.channel,
		Events:    g.events,
		Logger:    opts.Logger,
		Location:  loc,
	})
	if err != nil {
		return nil, err
	}

	g.dispatcher = dispatch.New(g.store, g.channel, dispatch.Options{
		Delay:  cfg.BroadcastDelay(),
		Logger: opts.Logger,
	})

	g.cron = cron.NewService(opts.Logger)
	if cfg.Dispatcher.Enabled {
		err = g.cron.AddJob(NotificationsJob, cfg.Dispatcher.Schedule, func(ctx context.Context) error {
			_, err := g.dispatcher.Run(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("schedule dispatcher: %w", err)
		}
	}

	g.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           g.routes(admin.NewHandler(g.store, g.dispatcher, g.events, opts.Logger), loc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	built = true
	return g, nil
}

func (g *Gateway) seed(ctx context.Context) error {
	files, err := catalog.Load(g.cfg.Catalog.Dir, g.log)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	report, err := catalog.Seed(ctx, g.store, files)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	g.log.Info("catalog seeded",
		zap.Int("entities", report.Entities),
		zap.Int("procedures", report.Procedures),
		zap.Int("programs", report.Programs))
	return nil
}

func (g *Gateway) Store() *store.Store { return g.store }

func (g *Gateway) Channel() *channel.TelegramChannel { return g.channel }

func (g *Gateway) Handler() http.Handler { return g.server.Handler }

// Dispatch runs both dispatcher sweeps once.
func (g *Gateway) Dispatch(ctx context.Context) (dispatch.Summary, error) {
	return g.dispatcher.Run(ctx)
}

// Run starts the transport, scheduler, process loop and HTTP server, then
// blocks until a signal arrives, ctx ends or a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.Close()

	if g.cfg.Tracing.Enabled && g.cfg.Tracing.Endpoint != "" {
		tp, err := tracing.InitTracer(ctx, g.cfg.Tracing.ServiceName, g.cfg.Tracing.Endpoint)
		if err != nil {
			g.log.Warn("tracing disabled", zap.Error(err))
		} else {
			g.tracer = tp
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	if err := g.channel.Start(ctx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	if g.cfg.Telegram.Mode == config.ModeWebhook && g.cfg.Telegram.WebhookURL != "" {
		if err := g.channel.SetWebhook(g.cfg.Telegram.WebhookURL); err != nil {
			g.log.Warn("webhook registration failed", zap.Error(err))
		}
	}
	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	eg.Go(func() error {
		g.processLoop(ctx)
		return nil
	})

	eg.Go(func() error {
		g.log.Info("listening", zap.String("addr", g.server.Addr), zap.String("mode", g.cfg.Telegram.Mode))
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	eg.Go(func() error {
		select {
		case sig := <-sigCh:
			g.log.Info("shutting down", zap.Stringer("signal", sig))
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return g.server.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// processLoop hands every inbound update to the bot in its own goroutine.
// On return all in-flight updates have finished.
func (g *Gateway) processLoop(ctx context.Context) {
	defer g.inflight.Wait()
	for {
		select {
		case u := <-g.bus.Inbound:
			g.inflight.Add(1)
			go func() {
				defer g.inflight.Done()
				g.handle(ctx, u)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, u bus.Update) {
	// A shutdown must not cut an update off halfway through its replies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), updateTimeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "bot.HandleUpdate", trace.WithAttributes(
		attribute.Int64("user.id", u.SenderID),
		attribute.Bool("update.callback", u.IsCallback()),
	))
	defer span.End()

	if err := g.bot.HandleUpdate(ctx, u); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.Error("handle update",
			zap.String("session", u.SessionKey()),
			zap.String("text", truncate(u.Text, 80)),
			zap.String("callback", u.CallbackData),
			zap.Error(err))
	}
}

// Close stops the scheduler and transport and releases connections. Safe to
// call more than once.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.cron != nil {
			g.cron.Stop()
		}
		if g.channel != nil {
			_ = g.channel.Stop()
		}
		g.inflight.Wait()
		if g.nats != nil {
			if err := g.nats.Drain(); err != nil {
				g.log.Warn("drain nats", zap.Error(err))
			}
		}
		if g.tracer != nil {
			if err := tracing.Shutdown(context.Background(), g.tracer); err != nil {
				g.log.Warn("shutdown tracer", zap.Error(err))
			}
		}
		if g.store != nil {
			if err := g.store.Close(); err != nil {
				g.log.Warn("close store", zap.Error(err))
			}
		}
		g.log.Info("shutdown complete")
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
