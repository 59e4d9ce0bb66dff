package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Save(ctx context.Context, s *Session) error
	SaveHandoff(ctx context.Context, h *Handoff) error
	GetHandoff(ctx context.Context, sessionID uuid.UUID) (*Handoff, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT state FROM sessions WHERE id = $1`

	var stateJSON []byte
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&stateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if s.Answers == nil {
		s.Answers = make(map[string]string)
	}
	return &s, nil
}

func (r *postgresRepo) Save(ctx context.Context, s *Session) error {
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO sessions (id, epoch, stage, is_offline, abandoned, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			epoch = $2,
			stage = $3,
			is_offline = $4,
			abandoned = $5,
			state = $6,
			updated_at = $8
		WHERE sessions.epoch <= $2
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Epoch, s.Stage, s.IsOfflineMode, s.Abandoned, stateJSON, s.CreatedAt, time.Now())
	return err
}

func (r *postgresRepo) SaveHandoff(ctx context.Context, h *Handoff) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	var category string
	var score float64
	if h.ExtractedProfile != nil {
		category = string(h.ExtractedProfile.Category)
		score = h.ExtractedProfile.TriageReadinessScore
	}

	query := `
		INSERT INTO handoffs (session_id, category, readiness_score, escalated, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			category = $2,
			readiness_score = $3,
			escalated = $4,
			payload = $5,
			created_at = $6
	`
	_, err = r.db.ExecContext(ctx, query,
		h.SessionID, category, score, h.Escalation != nil, payload, h.CreatedAt)
	return err
}

func (r *postgresRepo) GetHandoff(ctx context.Context, sessionID uuid.UUID) (*Handoff, error) {
	query := `SELECT payload FROM handoffs WHERE session_id = $1`

	var payload []byte
	if err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var h Handoff
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handoff: %w", err)
	}
	return &h, nil
}
