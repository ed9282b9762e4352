package store

import (
	"encoding/json"
	"time"

	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/conversation"
)

// Status is the lifecycle state of a PQRSD request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

var statusLabels = map[Status]string{
	StatusPending:    "⏳ Pendiente",
	StatusInProgress: "🔄 En Proceso",
	StatusResolved:   "✅ Resuelta",
	StatusRejected:   "❌ Rechazada",
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label is the citizen-facing status text.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

type Conversation struct {
	ID          string
	UserID      int64
	Kind        conversation.Kind
	State       conversation.State
	IsActive    bool
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (c *Conversation) Step() conversation.Step {
	if c.State == nil {
		return ""
	}
	return c.State.Step()
}

type Request struct {
	ID             string                 `json:"id"`
	TrackingNumber string                 `json:"tracking_number"`
	UserID         int64                  `json:"user_id"`
	EntityID       *string                `json:"entity_id"`
	Type           classifier.RequestType `json:"request_type"`
	Subject        string                 `json:"subject"`
	Description    string                 `json:"description"`
	CitizenName    string                 `json:"citizen_name"`
	CitizenID      string                 `json:"citizen_id"`
	CitizenEmail   string                 `json:"citizen_email"`
	CitizenPhone   string                 `json:"citizen_phone"`
	CitizenAddress string                 `json:"citizen_address"`
	Confidence     float64                `json:"classification_confidence"`
	Priority       classifier.Priority    `json:"priority"`
	Status         Status                 `json:"status"`
	Response       *string                `json:"response"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	ResolvedAt     *time.Time             `json:"resolved_at"`

	// Filled from the entities table on reads.
	EntityCode string `json:"entity_code,omitempty"`
	EntityName string `json:"entity_name,omitempty"`
}

type RequestFilter struct {
	Status Status
	Type   classifier.RequestType
	Page   int
	Limit  int
}

// RequestPatch holds the fields staff may change. Nil fields are left alone.
type RequestPatch struct {
	Status   *Status              `json:"status,omitempty"`
	Response *string              `json:"response,omitempty"`
	Priority *classifier.Priority `json:"priority,omitempty"`
	EntityID *string              `json:"entity_id,omitempty"`
}

func (p RequestPatch) Empty() bool {
	return p.Status == nil && p.Response == nil && p.Priority == nil && p.EntityID == nil
}

// RequestChange is the before/after pair of an updated request.
type RequestChange struct {
	Before Request
	After  Request
}

func (c RequestChange) StatusChanged() bool {
	return c.Before.Status != c.After.Status
}

type Stats struct {
	TotalUsers    int            `json:"totalUsers"`
	TotalRequests int            `json:"totalRequests"`
	ByStatus      map[string]int `json:"requestsByStatus"`
	ByType        map[string]int `json:"requestsByType"`
	ByEntity      map[string]int `json:"requestsByEntity"`
	ActivityByDay map[string]int `json:"activityByDay"`
}

type Analytics struct {
	EventsByDate map[string]map[string]int `json:"eventsByDate"`
	Requests     RequestBreakdown          `json:"pqrsdStats"`
}

type RequestBreakdown struct {
	ByType     map[string]int `json:"typeDistribution"`
	ByStatus   map[string]int `json:"statusDistribution"`
	ByPriority map[string]int `json:"priorityDistribution"`
	Total      int            `json:"total"`
}

type Entity struct {
	ID           string    `json:"id" yaml:"-"`
	Code         string    `json:"code" yaml:"code"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description" yaml:"description"`
	ContactEmail string    `json:"contact_email" yaml:"contact_email"`
	ContactPhone string    `json:"contact_phone" yaml:"contact_phone"`
	WebsiteURL   string    `json:"website_url" yaml:"website_url"`
	Address      string    `json:"address" yaml:"address"`
	Category     string    `json:"category" yaml:"category"`
	IsActive     bool      `json:"is_active" yaml:"-"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

type Procedure struct {
	ID              string    `json:"id"`
	EntityID        string    `json:"entity_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Requirements    []string  `json:"requirements"`
	Cost            int64     `json:"cost"`
	EstimatedTime   string    `json:"estimated_time"`
	ProcessSteps    []string  `json:"process_steps"`
	OnlineAvailable bool      `json:"online_available"`
	OnlineURL       string    `json:"online_url"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`

	EntityCode string  `json:"entity_code,omitempty"`
	EntityName string  `json:"entity_name,omitempty"`
	Entity     *Entity `json:"-"`
}

type Program struct {
	ID                  string    `json:"id"`
	EntityID            *string   `json:"entity_id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	EligibilityCriteria []string  `json:"eligibility_criteria"`
	Benefits            []string  `json:"benefits"`
	ApplicationProcess  string    `json:"application_process"`
	WebsiteURL          string    `json:"website_url"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`

	EntityName string `json:"entity_name,omitempty"`
}

// ProgramPatch holds the program fields staff may change. Nil fields are left alone.
type ProgramPatch struct {
	Name                *string   `json:"name,omitempty"`
	Description         *string   `json:"description,omitempty"`
	EntityID            *string   `json:"entity_id,omitempty"`
	EligibilityCriteria *[]string `json:"eligibility_criteria,omitempty"`
	Benefits            *[]string `json:"benefits,omitempty"`
	ApplicationProcess  *string   `json:"application_process,omitempty"`
	WebsiteURL          *string   `json:"website_url,omitempty"`
	IsActive            *bool     `json:"is_active,omitempty"`
}

func (p ProgramPatch) apply(to *Program) {
	if p.Name != nil {
		to.Name = *p.Name
	}
	if p.Description != nil {
		to.Description = *p.Description
	}
	if p.EntityID != nil {
		id := *p.EntityID
		to.EntityID = &id
		if id == "" {
			to.EntityID = nil
		}
	}
	if p.EligibilityCriteria != nil {
		to.EligibilityCriteria = *p.EligibilityCriteria
	}
	if p.Benefits != nil {
		to.Benefits = *p.Benefits
	}
	if p.ApplicationProcess != nil {
		to.ApplicationProcess = *p.ApplicationProcess
	}
	if p.WebsiteURL != nil {
		to.WebsiteURL = *p.WebsiteURL
	}
	if p.IsActive != nil {
		to.IsActive = *p.IsActive
	}
}

type User struct {
	TelegramID       int64     `json:"telegram_user_id"`
	Username         string    `json:"username"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	LanguageCode     string    `json:"language_code"`
	IsActive         bool      `json:"is_active"`
	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction"`
	CreatedAt        time.Time `json:"created_at"`
}

type Notification struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Type           string     `json:"notification_type"`
	TargetAudience string     `json:"target_audience"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

type Reminder struct {
	ID           string     `json:"id"`
	UserID       int64      `json:"user_id"`
	Message      string     `json:"message"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Sent         bool       `json:"sent"`
	SentAt       *time.Time `json:"sent_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Event types recorded by the bot.
const (
	EventBotStarted      = "bot_started"
	EventProcedureViewed = "procedure_viewed"
	EventPQRSDCreated    = "pqrsd_created"
	EventTrackingChecked = "tracking_checked"
	EventProgramViewed   = "program_viewed"
	EventSearch          = "procedure_search"

	// Staff actions from the admin API.
	EventPQRSDUpdated     = "pqrsd_updated"
	EventPQRSDBulkUpdated = "pqrsd_bulk_updated"
)

type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"event_type"`
	UserID      int64          `json:"user_id,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	ProcedureID string         `json:"procedure_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(s string) []string {
	var v []string
	if s == "" {
		return v
	}
	_ = json.Unmarshal([]byte(s), &v)
	return v
}
