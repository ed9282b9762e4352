package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/store"
)

const dateLayout = "2/1/2006"

// Track looks a request up by a user-typed tracking number and renders its
// status. found is false for unknown numbers; that is not an error. Track
// never writes.
func (b *Bot) Track(ctx context.Context, raw string) (text string, found bool, err error) {
	req, err := b.store.RequestByTracking(ctx, classifier.NormalizeTracking(raw))
	if errors.Is(err, store.ErrNotFound) {
		return textTrackNotFound, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("track %s: %w", raw, err)
	}
	return b.formatStatus(req), true, nil
}

func (b *Bot) formatStatus(r *store.Request) string {
	var sb strings.Builder
	sb.WriteString("📋 *Información de la Solicitud*\n\n")
	fmt.Fprintf(&sb, "🔢 *Radicado:* `%s`\n", r.TrackingNumber)
	fmt.Fprintf(&sb, "📝 *Tipo:* %s\n", r.Type.Label())
	fmt.Fprintf(&sb, "📍 *Estado:* %s\n", r.Status.Label())
	fmt.Fprintf(&sb, "📅 *Fecha de creación:* %s\n", r.CreatedAt.In(b.loc).Format(dateLayout))
	if r.EntityName != "" {
		fmt.Fprintf(&sb, "🏢 *Entidad:* %s\n", r.EntityName)
	}
	fmt.Fprintf(&sb, "\n📄 *Asunto:* %s\n", r.Subject)
	if r.Response != nil && *r.Response != "" {
		fmt.Fprintf(&sb, "\n💬 *Respuesta:*\n%s", *r.Response)
	}
	if r.ResolvedAt != nil {
		fmt.Fprintf(&sb, "\n\n✅ *Fecha de resolución:* %s", r.ResolvedAt.In(b.loc).Format(dateLayout))
	}
	return sb.String()
}

func (b *Bot) handleTracking(ctx context.Context, u bus.Update, raw string) error {
	text, found, err := b.Track(ctx, raw)
	if err != nil {
		_ = b.send(ctx, u, textTryLater, channel.Options{})
		return err
	}
	if !found {
		return b.send(ctx, u, text, channel.Options{})
	}

	if err := b.send(ctx, u, text, channel.Options{
		Markdown: true,
		Buttons:  [][]channel.Button{row(btn("🏠 Menú Principal", payloadMainMenu))},
	}); err != nil {
		return err
	}
	b.record(ctx, store.Event{Type: store.EventTrackingChecked, UserID: u.SenderID})
	return nil
}
