package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrInferenceNotFound = errors.New("inference record not found")

func CreateInference(ctx context.Context, db *gorm.DB, rec *Inference) (uuid.UUID, error) {
	if rec.Id == uuid.Nil {
		rec.Id = uuid.New()
	}
	if rec.CreatedTs.IsZero() {
		rec.CreatedTs = time.Now().UTC()
	}

	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		slog.Error("error creating inference record", "node", rec.NodeKey, "prompt", rec.PromptKey, "error", err)
		return uuid.Nil, fmt.Errorf("error creating inference record: %w", err)
	}
	return rec.Id, nil
}

// UpdateInference applies partial updates (score, feedback) to an existing
// record. Unknown ids are reported, not retried.
func UpdateInference(ctx context.Context, db *gorm.DB, id uuid.UUID, updates map[string]any) error {
	updates["updated_ts"] = time.Now().UTC()

	res := db.WithContext(ctx).Model(&Inference{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("error updating inference %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrInferenceNotFound, id)
	}
	return nil
}

func GetInference(ctx context.Context, db *gorm.DB, id uuid.UUID) (*Inference, error) {
	var rec Inference
	if err := db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInferenceNotFound, id)
		}
		return nil, fmt.Errorf("error getting inference %s: %w", id, err)
	}
	return &rec, nil
}

func ListInference(ctx context.Context, db *gorm.DB, limit int) ([]Inference, error) {
	if limit <= 0 {
		limit = 50
	}

	var recs []Inference
	if err := db.WithContext(ctx).Order("created_ts desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("error listing inference records: %w", err)
	}
	return recs, nil
}

// UserUsage aggregates one user's traffic over a trailing window.
type UserUsage struct {
	RequestCount      int64
	SumInputTokens    int64
	SumOutputTokens   int64
	SumElapsedSeconds float64
}

func GetUserStats(ctx context.Context, db *gorm.DB, userKey string, intervalHours int) (UserUsage, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(intervalHours) * time.Hour)

	var usage UserUsage
	err := db.WithContext(ctx).Model(&Inference{}).
		Select("count(*) as request_count, "+
			"coalesce(sum(input_tokens), 0) as sum_input_tokens, "+
			"coalesce(sum(output_tokens), 0) as sum_output_tokens, "+
			"coalesce(sum(elapsed_seconds), 0) as sum_elapsed_seconds").
		Where("user_key = ? AND created_ts >= ?", userKey, cutoff).
		Scan(&usage).Error
	if err != nil {
		return UserUsage{}, fmt.Errorf("error aggregating usage for user %s: %w", userKey, err)
	}
	return usage, nil
}

// NodeUsage aggregates one node's traffic over a trailing window, including
// the share of wall-clock time it spent serving.
type NodeUsage struct {
	NodeKey           string
	RequestCount      int64
	SumInputTokens    int64
	SumOutputTokens   int64
	AvgElapsedSeconds float64
	SumElapsedSeconds float64
	PctUsedSeconds    float64
}

func GetNodeStats(ctx context.Context, db *gorm.DB, intervalHours int) (map[string]NodeUsage, error) {
	if intervalHours <= 0 {
		intervalHours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(intervalHours) * time.Hour)

	var rows []NodeUsage
	err := db.WithContext(ctx).Model(&Inference{}).
		Select("node_key, count(*) as request_count, "+
			"coalesce(sum(input_tokens), 0) as sum_input_tokens, "+
			"coalesce(sum(output_tokens), 0) as sum_output_tokens, "+
			"coalesce(avg(elapsed_seconds), 0) as avg_elapsed_seconds, "+
			"coalesce(sum(elapsed_seconds), 0) as sum_elapsed_seconds").
		Where("created_ts >= ?", cutoff).
		Group("node_key").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error aggregating node statistics: %w", err)
	}

	windowSeconds := float64(intervalHours) * 3600
	stats := make(map[string]NodeUsage, len(rows))
	for _, row := range rows {
		row.PctUsedSeconds = row.SumElapsedSeconds / windowSeconds * 100
		stats[row.NodeKey] = row
	}
	return stats, nil
}
