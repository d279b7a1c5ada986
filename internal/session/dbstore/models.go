package dbstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sage/internal/session"
)

// SessionModel is the GORM model for the sessions table. Pipeline state is
// stored as a JSON blob; trace entries live in their own table so appends
// never rewrite the session row.
type SessionModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"index"`
	CorrelationID   string
	Query           string `gorm:"type:text"`
	DocumentContext string `gorm:"type:text"`
	Status          string `gorm:"index"`
	Error           string
	State           []byte `gorm:"type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	ExpiresAt       *time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }

// TraceEntryModel is the GORM model for the session_trace table.
type TraceEntryModel struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SessionID    uuid.UUID `gorm:"type:uuid;index"`
	Seq          int
	Stage        string
	InputDigest  string
	OutputDigest string
	Timestamp    time.Time
}

func (TraceEntryModel) TableName() string { return "session_trace" }

func toSessionModel(rec *session.Record, ttl time.Duration) (*SessionModel, error) {
	state, err := json.Marshal(rec.State)
	if err != nil {
		return nil, err
	}
	m := &SessionModel{
		ID:              rec.Session.ID,
		UserID:          rec.Session.UserID,
		CorrelationID:   rec.Session.CorrelationID,
		Query:           rec.Session.Query,
		DocumentContext: rec.Session.DocumentContext,
		Status:          string(rec.Session.Status),
		Error:           rec.Session.Error,
		State:           state,
		CreatedAt:       rec.Session.CreatedAt,
		UpdatedAt:       time.Now().UTC(),
		CompletedAt:     rec.Session.CompletedAt,
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		m.ExpiresAt = &exp
	}
	return m, nil
}

func toSessionDomain(m *SessionModel, traces []TraceEntryModel) (*session.Record, error) {
	var state session.State
	if len(m.State) > 0 {
		if err := json.Unmarshal(m.State, &state); err != nil {
			return nil, err
		}
	}
	trace := make([]session.TraceEntry, len(traces))
	for i, t := range traces {
		trace[i] = session.TraceEntry{
			Seq:          t.Seq,
			Stage:        session.Stage(t.Stage),
			InputDigest:  t.InputDigest,
			OutputDigest: t.OutputDigest,
			Timestamp:    t.Timestamp,
		}
	}
	return &session.Record{
		Session: session.Session{
			ID:              m.ID,
			UserID:          m.UserID,
			CorrelationID:   m.CorrelationID,
			Query:           m.Query,
			DocumentContext: m.DocumentContext,
			Status:          session.Status(m.Status),
			Error:           m.Error,
			CreatedAt:       m.CreatedAt,
			UpdatedAt:       m.UpdatedAt,
			CompletedAt:     m.CompletedAt,
		},
		State: state,
		Trace: trace,
	}, nil
}

func expired(db *gorm.DB) *gorm.DB {
	return db.Where("expires_at IS NOT NULL AND expires_at < ?", time.Now().UTC())
}
