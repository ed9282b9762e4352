package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/catalog"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/config"
	"github.com/medellinbot/medellinbot/internal/gateway"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
)

// botFactory overrides the Bot API client (for testing)
var botFactory channel.BotFactory

var rootCmd = &cobra.Command{
	Use:          "medellinbot",
	Short:        "medellinbot - citizen services chatbot for Medellín",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, dispatcher and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send due broadcasts and reminders once, then exit",
	Args:  cobra.NoArgs,
	RunE:  runDispatch,
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the Telegram webhook",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set [url]",
	Short: "Register the webhook (defaults to telegram.webhookUrl)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWebhookSet,
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the registered webhook",
	Args:  cobra.NoArgs,
	RunE:  runWebhookInfo,
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the webhook so polling can be used",
	Args:  cobra.NoArgs,
	RunE:  runWebhookDelete,
}

var seedCmd = &cobra.Command{
	Use:   "seed [dir]",
	Short: "Load entities, procedures and programs from a YAML catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSeed,
}

var trackCmd = &cobra.Command{
	Use:   "track <tracking-number>",
	Short: "Show the status of a PQRSD request",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrack,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and database status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and a sample catalog",
	Args:  cobra.NoArgs,
	RunE:  runOnboard,
}

func init() {
	webhookCmd.AddCommand(webhookSetCmd, webhookInfoCmd, webhookDeleteCmd)
	rootCmd.AddCommand(serveCmd, dispatchCmd, webhookCmd, seedCmd, trackCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Log.Development {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.Log.Level)
}

func requireToken(cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token not set. Run 'medellinbot onboard' or set MEDELLINBOT_TELEGRAM_TOKEN / TELEGRAM_BOT_TOKEN")
	}
	return nil
}

func newGateway(cfg *config.Config, log *logger.Logger, skipSeed bool) (*gateway.Gateway, error) {
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Logger:     log,
		BotFactory: botFactory,
		SkipSeed:   skipSeed,
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	return gw, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	gw, err := newGateway(cfg, log, false)
	if err != nil {
		return err
	}
	return gw.Run(cmd.Context())
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	gw, err := newGateway(cfg, log, true)
	if err != nil {
		return err
	}
	defer gw.Close()

	sum, err := gw.Dispatch(cmd.Context())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Broadcasts: %d due, %d sent, %d failed, %d marked\n",
		sum.Broadcasts.Items, sum.Broadcasts.Sent, sum.Broadcasts.Failed, sum.Broadcasts.Marked)
	fmt.Fprintf(out, "Reminders: %d due, %d sent, %d failed, %d marked\n",
		sum.Reminders.Items, sum.Reminders.Sent, sum.Reminders.Failed, sum.Reminders.Marked)
	return err
}

// telegramClient connects to the Bot API without starting polling.
func telegramClient(cfg *config.Config) (*channel.TelegramChannel, error) {
	if err := requireToken(cfg); err != nil {
		return nil, err
	}
	var (
		ch  *channel.TelegramChannel
		err error
	)
	b := bus.NewMessageBus(0)
	if botFactory != nil {
		ch, err = channel.NewTelegramChannelWithFactory(cfg.Telegram, b, nil, botFactory)
	} else {
		ch, err = channel.NewTelegramChannel(cfg.Telegram, b, nil)
	}
	if err != nil {
		return nil, err
	}
	if err := ch.Init(); err != nil {
		return nil, err
	}
	return ch, nil
}

func runWebhookSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	link := cfg.Telegram.WebhookURL
	if len(args) == 1 {
		link = args[0]
	}
	if link == "" {
		return errors.New("webhook url required: pass it as an argument or set telegram.webhookUrl")
	}
	if !strings.HasPrefix(link, "https://") {
		return fmt.Errorf("webhook url must use https: %s", link)
	}

	ch, err := telegramClient(cfg)
	if err != nil {
		return err
	}
	if err := ch.SetWebhook(link); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Webhook set: %s\n", link)
	return nil
}

func runWebhookInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ch, err := telegramClient(cfg)
	if err != nil {
		return err
	}
	info, err := ch.WebhookInfo()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if info.URL == "" {
		fmt.Fprintln(out, "Webhook: not set (polling)")
		return nil
	}
	fmt.Fprintf(out, "Webhook: %s\n", info.URL)
	fmt.Fprintf(out, "Pending updates: %d\n", info.PendingUpdateCount)
	if info.LastErrorDate != 0 {
		at := time.Unix(int64(info.LastErrorDate), 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(out, "Last error: %s (%s)\n", info.LastErrorMessage, at)
	}
	return nil
}

func runWebhookDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ch, err := telegramClient(cfg)
	if err != nil {
		return err
	}
	if err := ch.DeleteWebhook(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Webhook deleted")
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Catalog.Dir
	if len(args) == 1 {
		dir = args[0]
	}

	files, err := catalog.Load(dir, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(files) == 0 {
		fmt.Fprintf(out, "No catalog files in %s\n", dir)
		return nil
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := catalog.Seed(cmd.Context(), s, files)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d entities, %d procedures, %d programs from %s\n",
		report.Entities, report.Procedures, report.Programs, dir)
	return nil
}

func runTrack(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !classifier.IsTrackingNumber(args[0]) {
		return fmt.Errorf("not a tracking number: %q (expected MED-XXXX-XXXX)", args[0])
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	req, err := s.RequestByTracking(cmd.Context(), classifier.NormalizeTracking(args[0]))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no request with tracking number %s", classifier.NormalizeTracking(args[0]))
	}
	if err != nil {
		return err
	}
	printRequest(cmd.OutOrStdout(), req, loc)
	return nil
}

func printRequest(w io.Writer, r *store.Request, loc *time.Location) {
	const layout = "2006-01-02 15:04"
	fmt.Fprintf(w, "Tracking: %s\n", r.TrackingNumber)
	fmt.Fprintf(w, "Type: %s\n", r.Type.Label())
	fmt.Fprintf(w, "Status: %s\n", r.Status.Label())
	fmt.Fprintf(w, "Priority: %s\n", r.Priority.Label())
	fmt.Fprintf(w, "Created: %s\n", r.CreatedAt.In(loc).Format(layout))
	if r.EntityName != "" {
		fmt.Fprintf(w, "Entity: %s\n", r.EntityName)
	}
	fmt.Fprintf(w, "Subject: %s\n", r.Subject)
	if r.Response != nil && *r.Response != "" {
		fmt.Fprintf(w, "Response: %s\n", *r.Response)
	}
	if r.ResolvedAt != nil {
		fmt.Fprintf(w, "Resolved: %s\n", r.ResolvedAt.In(loc).Format(layout))
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Telegram: mode=%s token=%s\n", cfg.Telegram.Mode, maskToken(cfg.Telegram.Token))
	if cfg.Telegram.Mode == config.ModeWebhook {
		fmt.Fprintf(out, "Webhook URL: %s\n", orNotSet(cfg.Telegram.WebhookURL))
	}
	fmt.Fprintf(out, "HTTP: %s\n", cfg.Addr())
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "Dispatcher: enabled=%v schedule=%q\n", cfg.Dispatcher.Enabled, cfg.Dispatcher.Schedule)
	fmt.Fprintf(out, "Admin API: enabled=%v\n", cfg.Admin.Enabled)
	fmt.Fprintf(out, "NATS: %s\n", orNotSet(cfg.NATS.URL))
	fmt.Fprintf(out, "Catalog: %s\n", cfg.Catalog.Dir)

	s, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer s.Close()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	st, err := s.Stats(cmd.Context(), loc)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Users: %d\n", st.TotalUsers)
	fmt.Fprintf(out, "Requests: %d (pending %d)\n", st.TotalRequests, st.ByStatus[string(store.StatusPending)])
	return nil
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}

func orNotSet(s string) string {
	if s == "" {
		return "not set"
	}
	return s
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Catalog.Dir, 0755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(cfg.Catalog.Dir, "alcaldia.yaml"), sampleCatalog)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set telegram.token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MEDELLINBOT_TELEGRAM_TOKEN environment variable")
	fmt.Fprintln(out, "  3. Run 'medellinbot seed' and then 'medellinbot serve'")
	return nil
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const sampleCatalog = `entity:
  code: ALCALDIA
  name: Alcaldía de Medellín
  description: Administración municipal de Medellín
  contact_email: atencion@medellin.gov.co
  contact_phone: (604) 44 44 144
  website_url: https://www.medellin.gov.co
  address: Calle 44 N 52-165, Centro Administrativo La Alpujarra
  category: gobierno

procedures:
  - name: Certificado de residencia
    description: Documento que acredita la residencia en Medellín
    requirements:
      - Cédula de ciudadanía
      - Recibo de servicios públicos
    cost: 0
    estimated_time: 5 días hábiles
    process_steps:
      - Radicar la solicitud en línea o en una sede de atención
      - Esperar la verificación de la dirección
      - Descargar el certificado
    online_available: true
    online_url: https://www.medellin.gov.co/portal/servicios

  - name: Pago de impuesto predial
    description: Liquidación y pago del impuesto predial unificado
    requirements:
      - Número de matrícula inmobiliaria
    estimated_time: Inmediato
    online_available: true
    online_url: https://www.medellin.gov.co/impuestos

programs:
  - name: Buen Comienzo
    entity: ALCALDIA
    description: Atención integral a la primera infancia
    eligibility_criteria:
      - Niños y niñas de 0 a 5 años
      - Residir en Medellín
    benefits:
      - Alimentación
      - Educación inicial
    application_process: Inscripción en la sede Buen Comienzo más cercana
`
