package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"gorm.io/gorm"
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*_outbox_events$`)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// checkTable guards the interpolated table name.
func checkTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%w: table %q", domain.ErrUnknownService, table)
	}
	return nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, table string, event *domain.Event) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return db.WithContext(ctx).Table(table).Create(event).Error
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, table, eventID string) (*domain.Event, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var item domain.Event
	err := db.WithContext(ctx).Table(table).Where("event_id = ?", eventID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FetchRelayBatch(ctx context.Context, db *gorm.DB, table string, now time.Time, limit int, skipLocked bool) ([]domain.Event, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT * FROM %s
		 WHERE processed = ? AND retry_count < max_retries
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id ASC
		 LIMIT ?`, table)
	if skipLocked {
		query += " FOR UPDATE SKIP LOCKED"
	}
	var items []domain.Event
	if err := db.WithContext(ctx).Raw(query, false, now, limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

type exhaustedHead struct {
	BlockKey string
	Head     int64
}

func (r *repo) ExhaustedHeads(ctx context.Context, db *gorm.DB, table string, now time.Time) (map[string]snowflake.ID, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT CASE WHEN partition_key <> '' THEN partition_key ELSE aggregate_id END AS block_key, MIN(id) AS head
		 FROM %s
		 WHERE processed = ? AND retry_count >= max_retries
		   AND (expires_at IS NULL OR expires_at > ?)
		 GROUP BY 1`, table)
	var items []exhaustedHead
	if err := db.WithContext(ctx).Raw(query, false, now).Scan(&items).Error; err != nil {
		return nil, err
	}
	heads := make(map[string]snowflake.ID, len(items))
	for _, item := range items {
		heads[item.BlockKey] = snowflake.ID(item.Head)
	}
	return heads, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, at time.Time) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET processed = ?, processed_at = ?, next_retry_at = NULL WHERE id = ?`, table),
		true, at, id,
	).Error
}

func (r *repo) MarkRetry(ctx context.Context, db *gorm.DB, table string, id snowflake.ID, lastError string, nextRetryAt time.Time) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s
		 SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		 WHERE id = ? AND processed = ?`, table),
		lastError, nextRetryAt, id, false,
	).Error
}

func (r *repo) MarkSelfProcessed(ctx context.Context, db *gorm.DB, table, eventID string, at time.Time) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET self_processed = ?, self_processed_at = ? WHERE event_id = ?`, table),
		true, at, eventID,
	)
	return res.RowsAffected > 0, res.Error
}

func (r *repo) IncrementProcessingAttempts(ctx context.Context, db *gorm.DB, table, eventID string) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET processing_attempts = processing_attempts + 1 WHERE event_id = ?`, table),
		eventID,
	)
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkRelayedBefore(ctx context.Context, db *gorm.DB, table string, cutoff, at time.Time) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET processed = ?, processed_at = ?
		 WHERE processed = ? AND created_at < ?`, table),
		true, at, false, cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteCompletedBefore(ctx context.Context, db *gorm.DB, table string, cutoff time.Time) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE (processed = ? OR self_processed = ?) AND created_at < ?`, table),
		true, true, cutoff,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, table string, now time.Time) (domain.Stats, error) {
	stats := domain.Stats{Table: table}
	if err := checkTable(table); err != nil {
		return stats, err
	}
	var row struct {
		Unprocessed int64
		Failed      int64
		Expired     int64
		SelfPending int64
	}
	err := db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT
			COALESCE(SUM(CASE WHEN processed = ? THEN 1 ELSE 0 END), 0) AS unprocessed,
			COALESCE(SUM(CASE WHEN processed = ? AND retry_count >= max_retries THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN processed = ? AND expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired,
			COALESCE(SUM(CASE WHEN self_processed = ? THEN 1 ELSE 0 END), 0) AS self_pending
		 FROM %s`, table),
		false, false, false, now, false,
	).Scan(&row).Error
	if err != nil {
		return stats, err
	}
	stats.Unprocessed = row.Unprocessed
	stats.Failed = row.Failed
	stats.Expired = row.Expired
	stats.SelfPending = row.SelfPending
	return stats, nil
}
