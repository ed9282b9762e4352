package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const entityColumns = `id, code, name, description, contact_email, contact_phone, website_url, address,
	category, is_active, created_at`

func (s *Store) EntityByCode(ctx context.Context, code string) (*Entity, error) {
	return s.entityWhere(ctx, "code = ?", code)
}

func (s *Store) EntityByID(ctx context.Context, id string) (*Entity, error) {
	return s.entityWhere(ctx, "id = ?", id)
}

func (s *Store) entityWhere(ctx context.Context, cond string, arg any) (*Entity, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+entityColumns+` FROM entities WHERE `+cond, arg)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ActiveEntities lists active entities ordered by name.
func (s *Store) ActiveEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+entityColumns+` FROM entities WHERE is_active = ? ORDER BY name, code`, true)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpsertEntity inserts or updates an entity keyed by code and sets e.ID.
func (s *Store) UpsertEntity(ctx context.Context, e *Entity) error {
	existing, err := s.EntityByCode(ctx, e.Code)
	switch {
	case errors.Is(err, ErrNotFound):
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = s.now().UTC()
		_, err = s.exec(ctx, s.db,
			`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Code, e.Name, e.Description, e.ContactEmail, e.ContactPhone, e.WebsiteURL,
			e.Address, e.Category, e.IsActive, formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert entity %s: %w", e.Code, err)
		}
		return nil
	case err != nil:
		return err
	}

	e.ID = existing.ID
	e.CreatedAt = existing.CreatedAt
	_, err = s.exec(ctx, s.db,
		`UPDATE entities SET name = ?, description = ?, contact_email = ?, contact_phone = ?,
			website_url = ?, address = ?, category = ?, is_active = ? WHERE id = ?`,
		e.Name, e.Description, e.ContactEmail, e.ContactPhone, e.WebsiteURL, e.Address, e.Category,
		e.IsActive, e.ID)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.Code, err)
	}
	return nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e       Entity
		created string
	)
	if err := row.Scan(&e.ID, &e.Code, &e.Name, &e.Description, &e.ContactEmail, &e.ContactPhone,
		&e.WebsiteURL, &e.Address, &e.Category, &e.IsActive, &created); err != nil {
		return nil, err
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t
	return &e, nil
}

const procedureSelect = `SELECT p.id, p.entity_id, p.name, p.description, p.requirements, p.cost,
	p.estimated_time, p.process_steps, p.online_available, p.online_url, p.is_active, p.created_at,
	e.code, e.name
	FROM procedures p JOIN entities e ON e.id = p.entity_id`

// ActiveProcedures returns every active procedure with its entity, ordered by name.
func (s *Store) ActiveProcedures(ctx context.Context) ([]Procedure, error) {
	return s.listProcedures(ctx, procedureSelect+` WHERE p.is_active = ? ORDER BY p.name, p.id`, true)
}

// ProceduresByEntity returns at most limit active procedures of one entity.
func (s *Store) ProceduresByEntity(ctx context.Context, entityID string, limit int) ([]Procedure, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.listProcedures(ctx,
		procedureSelect+` WHERE p.entity_id = ? AND p.is_active = ? ORDER BY p.name, p.id LIMIT ?`,
		entityID, true, limit)
}

func (s *Store) listProcedures(ctx context.Context, query string, args ...any) ([]Procedure, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer rows.Close()

	var out []Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ProcedureByID returns the procedure with its full entity loaded.
func (s *Store) ProcedureByID(ctx context.Context, id string) (*Procedure, error) {
	row := s.queryRow(ctx, s.db, procedureSelect+` WHERE p.id = ?`, id)
	p, err := scanProcedure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure: %w", err)
	}
	ent, err := s.EntityByID(ctx, p.EntityID)
	if err != nil {
		return nil, err
	}
	p.Entity = ent
	return p, nil
}

// UpsertProcedure inserts or updates a procedure keyed by (entity, name).
func (s *Store) UpsertProcedure(ctx context.Context, p *Procedure) error {
	var existingID, created string
	err := s.queryRow(ctx, s.db,
		`SELECT id, created_at FROM procedures WHERE entity_id = ? AND name = ?`,
		p.EntityID, p.Name).Scan(&existingID, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt = s.now().UTC()
		_, err = s.exec(ctx, s.db,
			`INSERT INTO procedures (id, entity_id, name, description, requirements, cost, estimated_time,
				process_steps, online_available, online_url, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.EntityID, p.Name, p.Description, encodeList(p.Requirements), p.Cost, p.EstimatedTime,
			encodeList(p.ProcessSteps), p.OnlineAvailable, p.OnlineURL, p.IsActive, formatTime(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert procedure %q: %w", p.Name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("find procedure %q: %w", p.Name, err)
	}

	p.ID = existingID
	if p.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`UPDATE procedures SET description = ?, requirements = ?, cost = ?, estimated_time = ?,
			process_steps = ?, online_available = ?, online_url = ?, is_active = ? WHERE id = ?`,
		p.Description, encodeList(p.Requirements), p.Cost, p.EstimatedTime, encodeList(p.ProcessSteps),
		p.OnlineAvailable, p.OnlineURL, p.IsActive, p.ID)
	if err != nil {
		return fmt.Errorf("update procedure %q: %w", p.Name, err)
	}
	return nil
}

func scanProcedure(row rowScanner) (*Procedure, error) {
	var (
		p                   Procedure
		reqs, steps, create string
	)
	if err := row.Scan(&p.ID, &p.EntityID, &p.Name, &p.Description, &reqs, &p.Cost, &p.EstimatedTime,
		&steps, &p.OnlineAvailable, &p.OnlineURL, &p.IsActive, &create, &p.EntityCode, &p.EntityName); err != nil {
		return nil, err
	}
	p.Requirements = decodeList(reqs)
	p.ProcessSteps = decodeList(steps)
	t, err := parseTime(create)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = t
	return &p, nil
}

const programSelect = `SELECT sp.id, sp.entity_id, sp.name, sp.description, sp.eligibility_criteria,
	sp.benefits, sp.application_process, sp.website_url, sp.is_active, sp.created_at, COALESCE(e.name, '')
	FROM social_programs sp LEFT JOIN entities e ON e.id = sp.entity_id`

// ActivePrograms lists up to limit active social programs ordered by name.
// A non-positive limit returns all of them.
func (s *Store) ActivePrograms(ctx context.Context, limit int) ([]Program, error) {
	query := programSelect + ` WHERE sp.is_active = ? ORDER BY sp.name, sp.id`
	args := []any{true}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ProgramByID(ctx context.Context, id string) (*Program, error) {
	row := s.queryRow(ctx, s.db, programSelect+` WHERE sp.id = ?`, id)
	p, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get program: %w", err)
	}
	return p, nil
}

// UpsertProgram inserts or updates a social program keyed by name.
func (s *Store) UpsertProgram(ctx context.Context, p *Program) error {
	var existingID, created string
	err := s.queryRow(ctx, s.db, `SELECT id, created_at FROM social_programs WHERE name = ?`, p.Name).
		Scan(&existingID, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt = s.now().UTC()
		_, err = s.exec(ctx, s.db,
			`INSERT INTO social_programs (id, entity_id, name, description, eligibility_criteria, benefits,
				application_process, website_url, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, nullString(p.EntityID), p.Name, p.Description, encodeList(p.EligibilityCriteria),
			encodeList(p.Benefits), p.ApplicationProcess, p.WebsiteURL, p.IsActive, formatTime(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert program %q: %w", p.Name, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("find program %q: %w", p.Name, err)
	}

	p.ID = existingID
	if p.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`UPDATE social_programs SET entity_id = ?, description = ?, eligibility_criteria = ?, benefits = ?,
			application_process = ?, website_url = ?, is_active = ? WHERE id = ?`,
		nullString(p.EntityID), p.Description, encodeList(p.EligibilityCriteria), encodeList(p.Benefits),
		p.ApplicationProcess, p.WebsiteURL, p.IsActive, p.ID)
	if err != nil {
		return fmt.Errorf("update program %q: %w", p.Name, err)
	}
	return nil
}

func scanProgram(row rowScanner) (*Program, error) {
	var (
		p                       Program
		entityID                sql.NullString
		elig, benefits, created string
	)
	if err := row.Scan(&p.ID, &entityID, &p.Name, &p.Description, &elig, &benefits, &p.ApplicationProcess,
		&p.WebsiteURL, &p.IsActive, &created, &p.EntityName); err != nil {
		return nil, err
	}
	p.EntityID = stringPtr(entityID)
	p.EligibilityCriteria = decodeList(elig)
	p.Benefits = decodeList(benefits)
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = t
	return &p, nil
}

// ListPrograms returns every social program, newest first.
func (s *Store) ListPrograms(ctx context.Context) ([]Program, error) {
	rows, err := s.query(ctx, s.db, programSelect+` ORDER BY sp.created_at DESC, sp.id`)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProgram applies patch to program id and returns the result. Renaming
// onto an existing program name returns ErrDuplicateProgram.
func (s *Store) UpdateProgram(ctx context.Context, id string, patch ProgramPatch) (*Program, error) {
	p, err := s.ProgramByID(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.apply(p)

	_, err = s.exec(ctx, s.db,
		`UPDATE social_programs SET entity_id = ?, name = ?, description = ?, eligibility_criteria = ?,
			benefits = ?, application_process = ?, website_url = ?, is_active = ? WHERE id = ?`,
		nullString(p.EntityID), p.Name, p.Description, encodeList(p.EligibilityCriteria),
		encodeList(p.Benefits), p.ApplicationProcess, p.WebsiteURL, p.IsActive, id)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateProgram
	}
	if err != nil {
		return nil, fmt.Errorf("update program %s: %w", id, err)
	}
	return s.ProgramByID(ctx, id)
}
