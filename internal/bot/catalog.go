package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/bus"
	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/conversation"
	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/metrics"
)

const (
	maxListed        = 10
	minSearchToken   = 3
	maxSearchResults = 10
)

func (b *Bot) showProceduresMenu(ctx context.Context, u bus.Update) error {
	entities, err := b.store.ActiveEntities(ctx)
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("list entities: %w", err)
	}

	rows := make([][]channel.Button, 0, len(entities)+2)
	for _, e := range entities {
		rows = append(rows, row(btn(e.Name, Action{Kind: ActionEntity, Arg: e.Code}.Payload())))
	}
	rows = append(rows,
		row(btn("🔍 Buscar Trámite", payloadSearchProcedure)),
		row(btn("🔙 Volver al Menú", payloadMainMenu)),
	)
	return b.show(ctx, u, textProceduresMenu, channel.Options{Buttons: rows})
}

func (b *Bot) showEntityProcedures(ctx context.Context, u bus.Update, code string) error {
	entity, err := b.store.EntityByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return b.answer(ctx, u, alertEntityNotFound, true)
	}
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("get entity %s: %w", code, err)
	}

	procs, err := b.store.ProceduresByEntity(ctx, entity.ID, maxListed)
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("list procedures of %s: %w", code, err)
	}
	if len(procs) == 0 {
		return b.show(ctx, u, fmt.Sprintf("No hay trámites disponibles para %s en este momento.", entity.Name),
			channel.Options{Buttons: [][]channel.Button{backToProceduresRow}})
	}

	rows := make([][]channel.Button, 0, len(procs)+1)
	for _, p := range procs {
		rows = append(rows, row(btn(p.Name, Action{Kind: ActionProcedure, Arg: p.ID}.Payload())))
	}
	rows = append(rows, backToProceduresRow)
	return b.show(ctx, u, fmt.Sprintf("📋 Trámites disponibles en %s:", entity.Name), channel.Options{Buttons: rows})
}

func (b *Bot) showProcedure(ctx context.Context, u bus.Update, id string) error {
	proc, err := b.store.ProcedureByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return b.answer(ctx, u, alertProcedureMissing, true)
	}
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("get procedure %s: %w", id, err)
	}

	if err := b.show(ctx, u, procedureDetails(proc), channel.Options{
		Markdown: true,
		Buttons:  [][]channel.Button{backToProceduresRow},
	}); err != nil {
		return err
	}
	b.record(ctx, store.Event{
		Type:        store.EventProcedureViewed,
		UserID:      u.SenderID,
		EntityID:    proc.EntityID,
		ProcedureID: proc.ID,
	})
	return nil
}

func (b *Bot) showPrograms(ctx context.Context, u bus.Update) error {
	programs, err := b.store.ActivePrograms(ctx, maxListed)
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("list programs: %w", err)
	}
	if len(programs) == 0 {
		return b.show(ctx, u, textNoPrograms, channel.Options{Buttons: [][]channel.Button{backToMainRow}})
	}

	rows := make([][]channel.Button, 0, len(programs)+1)
	for _, p := range programs {
		rows = append(rows, row(btn(p.Name, Action{Kind: ActionProgram, Arg: p.ID}.Payload())))
	}
	rows = append(rows, backToMainRow)
	return b.show(ctx, u, textProgramsMenu, channel.Options{Markdown: true, Buttons: rows})
}

func (b *Bot) showProgram(ctx context.Context, u bus.Update, id string) error {
	program, err := b.store.ProgramByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return b.answer(ctx, u, alertProgramMissing, true)
	}
	if err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("get program %s: %w", id, err)
	}

	var entity *store.Entity
	if program.EntityID != nil {
		entity, err = b.store.EntityByID(ctx, *program.EntityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			b.log.Warn("load program entity", zap.String("program_id", id), zap.Error(err))
		}
	}

	if err := b.show(ctx, u, programDetails(program, entity), channel.Options{
		Markdown: true,
		Buttons:  [][]channel.Button{row(btn("🔙 Volver", payloadProgramsMenu))},
	}); err != nil {
		return err
	}
	ev := store.Event{Type: store.EventProgramViewed, UserID: u.SenderID, Metadata: map[string]any{"program_id": program.ID}}
	if program.EntityID != nil {
		ev.EntityID = *program.EntityID
	}
	b.record(ctx, ev)
	return nil
}

func (b *Bot) startSearch(ctx context.Context, u bus.Update) error {
	if _, err := b.store.Begin(ctx, u.SenderID, conversation.AwaitingSearchQuery{}); err != nil {
		_ = b.answer(ctx, u, alertUnavailable, true)
		return fmt.Errorf("begin search: %w", err)
	}
	metrics.RecordTransition(string(conversation.KindSearch), string(conversation.StepAwaitingSearchQuery))
	return b.show(ctx, u, textSearchPrompt, channel.Options{
		Markdown: true,
		Buttons:  [][]channel.Button{row(btn("❌ Cancelar", payloadCancelSearch))},
	})
}

func (b *Bot) handleSearchQuery(ctx context.Context, u bus.Update, conv *store.Conversation, query string) error {
	err := b.store.Complete(ctx, conv.ID, conversation.StepAwaitingSearchQuery)
	if errors.Is(err, store.ErrStaleConversation) {
		b.log.Debug("stale search conversation", zap.String("conversation_id", conv.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete search %s: %w", conv.ID, err)
	}
	metrics.RecordTransition(string(conversation.KindSearch), "completed")

	procs, err := b.store.ActiveProcedures(ctx)
	if err != nil {
		_ = b.send(ctx, u, textTryLater, channel.Options{})
		return fmt.Errorf("list procedures: %w", err)
	}

	back := [][]channel.Button{backToProceduresRow}
	if len(procs) == 0 {
		return b.send(ctx, u, textNoProcedures, channel.Options{Buttons: back})
	}

	results := SearchProcedures(procs, query)
	b.record(ctx, store.Event{
		Type:     store.EventSearch,
		UserID:   u.SenderID,
		Metadata: map[string]any{"query": query, "results": len(results)},
	})
	if len(results) == 0 {
		return b.send(ctx, u, textNoSearchResults, channel.Options{Buttons: back})
	}

	rows := make([][]channel.Button, 0, len(results)+1)
	for _, p := range results {
		label := p.Name
		if p.EntityName != "" {
			label += " - " + p.EntityName
		}
		rows = append(rows, row(btn(label, Action{Kind: ActionProcedure, Arg: p.ID}.Payload())))
	}
	rows = append(rows, backToProceduresRow)
	return b.send(ctx, u, fmt.Sprintf("🔍 Encontré %d trámite(s):", len(results)), channel.Options{Buttons: rows})
}

// SearchProcedures scores each procedure by how many query words of three or
// more letters occur in its lowercased name and description. Procedures with
// no hit are dropped; the rest are ordered by score, ties keeping input order,
// and capped at ten.
func SearchProcedures(procs []store.Procedure, query string) []store.Procedure {
	var tokens []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(t) >= minSearchToken {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return nil
	}

	type scored struct {
		proc  store.Procedure
		score int
	}
	var hits []scored
	for _, p := range procs {
		haystack := strings.ToLower(p.Name + " " + p.Description)
		score := 0
		for _, t := range tokens {
			if strings.Contains(haystack, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{proc: p, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}
	out := make([]store.Procedure, len(hits))
	for i, h := range hits {
		out[i] = h.proc
	}
	return out
}
