package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/conversation"
)

const requestSelect = `SELECT r.id, r.tracking_number, r.user_id, r.entity_id, r.request_type, r.subject,
	r.description, r.citizen_name, r.citizen_id, r.citizen_email, r.citizen_phone, r.citizen_address,
	r.classification_confidence, r.priority, r.status, r.response, r.created_at, r.updated_at,
	r.resolved_at, COALESCE(e.code, ''), COALESCE(e.name, '')
	FROM pqrsd_requests r LEFT JOIN entities e ON e.id = r.entity_id`

// CreateRequest inserts req, filling ID and timestamps when empty.
// A tracking number collision returns ErrDuplicateTracking.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	return s.insertRequest(ctx, s.db, req)
}

// CompleteWithRequest inserts req and completes conversation id (expected at step
// from) atomically. Nothing is written if either part fails.
func (s *Store) CompleteWithRequest(ctx context.Context, id string, from conversation.Step, req *Request) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.complete(ctx, tx, id, from); err != nil {
			return err
		}
		return s.insertRequest(ctx, tx, req)
	})
}

func (s *Store) insertRequest(ctx context.Context, q queryer, req *Request) error {
	now := s.now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.Priority == "" {
		req.Priority = classifier.PriorityNormal
	}

	_, err := s.exec(ctx, q,
		`INSERT INTO pqrsd_requests (id, tracking_number, user_id, entity_id, request_type, subject,
			description, citizen_name, citizen_id, citizen_email, citizen_phone, citizen_address,
			classification_confidence, priority, status, response, created_at, updated_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TrackingNumber, req.UserID, nullString(req.EntityID), string(req.Type), req.Subject,
		req.Description, req.CitizenName, req.CitizenID, req.CitizenEmail, req.CitizenPhone, req.CitizenAddress,
		req.Confidence, string(req.Priority), string(req.Status), nullString(req.Response),
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt), nullTime(req.ResolvedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTracking
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// RequestByTracking looks a request up by its normalized tracking number.
func (s *Store) RequestByTracking(ctx context.Context, tracking string) (*Request, error) {
	return s.requestWhere(ctx, s.db, "r.tracking_number = ?", tracking)
}

func (s *Store) RequestByID(ctx context.Context, id string) (*Request, error) {
	return s.requestWhere(ctx, s.db, "r.id = ?", id)
}

func (s *Store) requestWhere(ctx context.Context, q queryer, cond string, arg any) (*Request, error) {
	row := s.queryRow(ctx, q, requestSelect+" WHERE "+cond, arg)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListRequests returns one page of requests, newest first, and the total count
// matching the filter. Page is 1-based; limit defaults to 20 and is capped at 100.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]Request, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "r.request_type = ?")
		args = append(args, string(f.Type))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, "SELECT COUNT(*) FROM pqrsd_requests r"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	pageArgs := append(append([]any{}, args...), f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.query(ctx, s.db, requestSelect+where+" ORDER BY r.created_at DESC, r.id LIMIT ? OFFSET ?", pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return out, total, nil
}

// UpdateRequest applies patch to request id. resolved_at is set when the status
// becomes resolved and cleared when it leaves resolved.
func (s *Store) UpdateRequest(ctx context.Context, id string, patch RequestPatch) (*RequestChange, error) {
	var change *RequestChange
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		c, err := s.updateRequest(ctx, tx, id, patch)
		if err != nil {
			return err
		}
		change = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// BulkUpdateRequests applies the same patch to every id. Unknown ids fail the
// whole batch with ErrNotFound.
func (s *Store) BulkUpdateRequests(ctx context.Context, ids []string, patch RequestPatch) ([]RequestChange, error) {
	var changes []RequestChange
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			c, err := s.updateRequest(ctx, tx, id, patch)
			if err != nil {
				return err
			}
			changes = append(changes, *c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) updateRequest(ctx context.Context, tx *sql.Tx, id string, patch RequestPatch) (*RequestChange, error) {
	before, err := s.requestWhere(ctx, tx, "r.id = ?", id)
	if err != nil {
		return nil, err
	}
	after := *before
	now := s.now().UTC()

	if patch.Status != nil {
		after.Status = *patch.Status
		switch {
		case after.Status == StatusResolved && before.Status != StatusResolved:
			after.ResolvedAt = &now
		case after.Status != StatusResolved:
			after.ResolvedAt = nil
		}
	}
	if patch.Response != nil {
		after.Response = patch.Response
	}
	if patch.Priority != nil {
		after.Priority = *patch.Priority
	}
	if patch.EntityID != nil {
		if *patch.EntityID == "" {
			after.EntityID = nil
		} else {
			after.EntityID = patch.EntityID
		}
	}
	after.UpdatedAt = now

	if _, err := s.exec(ctx, tx,
		`UPDATE pqrsd_requests SET status = ?, response = ?, priority = ?, entity_id = ?,
			updated_at = ?, resolved_at = ? WHERE id = ?`,
		string(after.Status), nullString(after.Response), string(after.Priority), nullString(after.EntityID),
		formatTime(after.UpdatedAt), nullTime(after.ResolvedAt), id); err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}

	// Re-read for the joined entity columns.
	fresh, err := s.requestWhere(ctx, tx, "r.id = ?", id)
	if err != nil {
		return nil, err
	}
	return &RequestChange{Before: *before, After: *fresh}, nil
}

// Stats aggregates dashboard counters. Activity counts analytics events per local
// day over the last seven days.
func (s *Store) Stats(ctx context.Context, loc *time.Location) (*Stats, error) {
	if loc == nil {
		loc = time.UTC
	}
	st := &Stats{
		ByStatus:      map[string]int{},
		ByType:        map[string]int{},
		ByEntity:      map[string]int{},
		ActivityByDay: map[string]int{},
	}

	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM bot_users`).Scan(&st.TotalUsers); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM pqrsd_requests`).Scan(&st.TotalRequests); err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}

	groups := []struct {
		query string
		into  map[string]int
	}{
		{`SELECT status, COUNT(*) FROM pqrsd_requests GROUP BY status`, st.ByStatus},
		{`SELECT request_type, COUNT(*) FROM pqrsd_requests GROUP BY request_type`, st.ByType},
		{`SELECT COALESCE(e.name, 'Sin asignar'), COUNT(*) FROM pqrsd_requests r
			LEFT JOIN entities e ON e.id = r.entity_id GROUP BY COALESCE(e.name, 'Sin asignar')`, st.ByEntity},
	}
	for _, g := range groups {
		if err := s.countInto(ctx, g.query, g.into); err != nil {
			return nil, err
		}
	}

	since := s.now().Add(-7 * 24 * time.Hour)
	events, err := s.EventsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		st.ActivityByDay[e.CreatedAt.In(loc).Format("2006-01-02")]++
	}
	return st, nil
}

func (s *Store) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.query(ctx, s.db, query)
	if err != nil {
		return fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats scan: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                 Request
		entityID, resp    sql.NullString
		reqType, prio, st string
		created, updated  string
		resolved          sql.NullString
	)
	if err := row.Scan(&r.ID, &r.TrackingNumber, &r.UserID, &entityID, &reqType, &r.Subject,
		&r.Description, &r.CitizenName, &r.CitizenID, &r.CitizenEmail, &r.CitizenPhone, &r.CitizenAddress,
		&r.Confidence, &prio, &st, &resp, &created, &updated, &resolved, &r.EntityCode, &r.EntityName); err != nil {
		return nil, err
	}
	r.EntityID = stringPtr(entityID)
	r.Response = stringPtr(resp)
	r.Type = classifier.RequestType(reqType)
	r.Priority = classifier.Priority(prio)
	r.Status = Status(st)

	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if r.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return nil, err
	}
	return &r, nil
}

// Analytics breaks down events per UTC day and type, plus the requests filed
// since the given time.
func (s *Store) Analytics(ctx context.Context, since time.Time) (*Analytics, error) {
	a := &Analytics{
		EventsByDate: map[string]map[string]int{},
		Requests: RequestBreakdown{
			ByType:     map[string]int{},
			ByStatus:   map[string]int{},
			ByPriority: map[string]int{},
		},
	}

	events, err := s.EventsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		day := e.CreatedAt.UTC().Format("2006-01-02")
		if a.EventsByDate[day] == nil {
			a.EventsByDate[day] = map[string]int{}
		}
		a.EventsByDate[day][e.Type]++
	}

	rows, err := s.query(ctx, s.db,
		`SELECT request_type, status, priority FROM pqrsd_requests WHERE created_at >= ?`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("request breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, status, priority string
		if err := rows.Scan(&typ, &status, &priority); err != nil {
			return nil, fmt.Errorf("scan request breakdown: %w", err)
		}
		a.Requests.ByType[typ]++
		a.Requests.ByStatus[status]++
		a.Requests.ByPriority[priority]++
		a.Requests.Total++
	}
	return a, rows.Err()
}
