package testsupport

import (
	"context"
	"fmt"
	"time"

	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps so time-based jobs can be exercised quickly.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// BackdateSaga moves last_updated_at of a saga to at.
func (ta *TimeAccelerator) BackdateSaga(ctx context.Context, sagaID string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE saga_instances SET last_updated_at = ? WHERE saga_id = ?`,
		at, sagaID,
	).Error
}

// ExpireOutbox moves expires_at of every unprocessed row to at.
func (ta *TimeAccelerator) ExpireOutbox(ctx context.Context, service string, at time.Time) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET expires_at = ? WHERE processed = ?`, outboxdomain.TableName(service)),
		at, false,
	)
	return result.RowsAffected, result.Error
}
