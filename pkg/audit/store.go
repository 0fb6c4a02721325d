package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/data-catalog/internal/db"
)

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("audit event not found")

// ErrInvalidPageToken is returned by List for a token it did not issue.
var ErrInvalidPageToken = errors.New("invalid page token")

// MaxPageSize caps List page sizes.
const MaxPageSize = 100

// Groups is a string list stored as a JSON array.
type Groups []string

// Value implements driver.Valuer.
func (g Groups) Value() (driver.Value, error) {
	if g == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(g))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (g *Groups) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*g = nil
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("scan groups: unexpected type %T", value)
	}
	return json.Unmarshal(b, (*[]string)(g))
}

// Event is one recorded request.
type Event struct {
	ID         string    `gorm:"column:id;primaryKey" json:"id"`
	RequestID  string    `gorm:"column:request_id" json:"request_id,omitempty"`
	Actor      string    `gorm:"column:actor" json:"actor"`
	Groups     Groups    `gorm:"column:actor_groups" json:"groups,omitempty"`
	Action     string    `gorm:"column:action" json:"action"`
	NodePath   string    `gorm:"column:node_path" json:"path"`
	Method     string    `gorm:"column:method" json:"method"`
	StatusCode int       `gorm:"column:status_code" json:"status_code"`
	Outcome    string    `gorm:"column:outcome" json:"outcome"`
	DurationMS int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName implements gorm's tabler.
func (Event) TableName() string { return "audit_events" }

// Filter narrows List. Empty fields match everything; Path matches the
// node and its descendants.
type Filter struct {
	Actor   string
	Action  string
	Outcome string
	Path    string
}

// Store persists events in the catalog database.
type Store struct {
	mgr *db.Manager
}

// NewStore returns a store backed by mgr. The audit_events table is
// created by the catalog migrations.
func NewStore(mgr *db.Manager) *Store {
	return &Store{mgr: mgr}
}

// Append inserts e. CreatedAt is normalised to UTC so the page cursor
// compares consistently on every backend.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if err := s.mgr.DB(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Get returns the event with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	err := s.mgr.DB(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// List returns events matching f, newest first. pageToken continues a
// previous listing; the returned token is empty on the last page. total
// counts every event matching f.
func (s *Store) List(ctx context.Context, f Filter, pageSize int, pageToken string) ([]Event, string, int64, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	pageSize = min(pageSize, MaxPageSize)

	q := s.mgr.DB(ctx).Model(&Event{})
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if p := strings.Trim(f.Path, "/"); p != "" {
		q = q.Where("(node_path = ? OR node_path LIKE ? ESCAPE '!')", p, escapeLike(p)+"/%")
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	if pageToken != "" {
		at, id, err := decodeToken(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
	}

	var events []Event
	err := q.Order("created_at DESC").Order("id DESC").Limit(pageSize + 1).Find(&events).Error
	if err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	next := ""
	if len(events) > pageSize {
		events = events[:pageSize]
		last := events[pageSize-1]
		next = encodeToken(last.CreatedAt, last.ID)
	}
	return events, next, total, nil
}

// DeleteOlderThan removes events created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.mgr.DB(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func encodeToken(at time.Time, id string) string {
	return at.UTC().Format(time.RFC3339Nano) + "_" + id
}

func decodeToken(token string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(token, "_")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidPageToken
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", ErrInvalidPageToken
	}
	return at.UTC(), id, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
