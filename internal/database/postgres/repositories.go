package postgres

import (
	"context"
	"database/sql"

	"github.com/bardlex/powgate/pkg/errors"
)

// RewardRepository reads reward phrases
type RewardRepository struct {
	db *sql.DB
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository(db *sql.DB) *RewardRepository {
	return &RewardRepository{db: db}
}

// ListRewards returns the text of every active reward in insertion order
func (r *RewardRepository) ListRewards(ctx context.Context) ([]string, error) {
	query := `SELECT text FROM rewards WHERE is_active ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "list_rewards", "failed to query rewards")
	}
	defer rows.Close()

	var phrases []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "list_rewards", "failed to scan reward")
		}
		phrases = append(phrases, text)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "list_rewards", "failed to iterate rewards")
	}

	return phrases, nil
}

// CreateReward inserts an active phrase
func (r *RewardRepository) CreateReward(ctx context.Context, reward *Reward) error {
	query := `
		INSERT INTO rewards (text, is_active)
		VALUES ($1, TRUE)
		RETURNING id, is_active, created_at`

	err := r.db.QueryRowContext(ctx, query, reward.Text).Scan(&reward.ID, &reward.IsActive, &reward.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create_reward", "failed to create reward")
	}
	return nil
}

// AttemptRepository writes the attempts audit table
type AttemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository creates a new attempt repository
func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// CreateAttempt inserts one attempt. A session ID already stored is left as is.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, a *Attempt) error {
	query := `
		INSERT INTO attempts (session_id, remote_addr, difficulty, outcome, verdict, reward_sent,
		                      stage, error, bytes_in, bytes_out, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		a.SessionID, a.RemoteAddr, a.Difficulty, a.Outcome, a.Verdict, a.RewardSent,
		a.Stage, a.Error, a.BytesIn, a.BytesOut, a.DurationMs, a.StartedAt,
	).Scan(&a.ID)

	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create_attempt", "failed to create attempt").
			WithContext("session_id", a.SessionID)
	}
	return nil
}

// CountByOutcome returns how many attempts ended with outcome
func (r *AttemptRepository) CountByOutcome(ctx context.Context, outcome string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM attempts WHERE outcome = $1`, outcome).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "count_attempts", "failed to count attempts")
	}
	return n, nil
}
