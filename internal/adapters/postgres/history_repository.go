package postgres_adapter

import (
	"context"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS notifications (
	notification_id UUID PRIMARY KEY,
	recipient_id    TEXT        NOT NULL,
	title           TEXT        NOT NULL,
	message         TEXT        NOT NULL,
	type            TEXT        NOT NULL,
	related_entity  TEXT,
	delivered       BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
	ON notifications (recipient_id, created_at DESC);
`

// PostgresHistoryRepository - история уведомлений в PostgreSQL
type PostgresHistoryRepository struct {
	pool *pgxpool.Pool
}

var _ port.HistoryRepositoryPort = (*PostgresHistoryRepository)(nil)

func NewPostgresHistoryRepository(pool *pgxpool.Pool) (*PostgresHistoryRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgxpool.Pool cannot be nil")
	}
	return &PostgresHistoryRepository{pool: pool}, nil
}

// EnsureSchema создает таблицу и индекс, если их нет
func (r *PostgresHistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to initialize notifications schema: %w", err)
	}
	return nil
}

// Append сохраняет запись. Повторная доставка того же уведомления не создает дубликат,
// а может только поднять флаг delivered.
func (r *PostgresHistoryRepository) Append(ctx context.Context, entry domain.HistoryEntry) error {
	repoLogger := contextkeys.LoggerFromContext(ctx).WithFields(port.Fields{
		"component":       "PostgresHistoryRepository",
		"method":          "Append",
		"notification_id": entry.NotificationID,
	})

	query := `
		INSERT INTO notifications (notification_id, recipient_id, title, message, type, related_entity, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (notification_id) DO UPDATE
		SET delivered = notifications.delivered OR EXCLUDED.delivered
	`
	_, err := r.pool.Exec(ctx, query,
		entry.NotificationID,
		entry.RecipientID,
		entry.Title,
		entry.Message,
		string(entry.Type),
		entry.RelatedEntity,
		entry.Delivered,
		entry.CreatedAt,
	)
	if err != nil {
		repoLogger.Error("Failed to append notification history", err, nil)
		return fmt.Errorf("failed to append notification history: %w", err)
	}
	return nil
}

// FindByRecipient возвращает страницу истории получателя, новые сначала, и общее количество
func (r *PostgresHistoryRepository) FindByRecipient(ctx context.Context, recipientID string, limit, offset int) ([]domain.HistoryEntry, int64, error) {
	repoLogger := contextkeys.LoggerFromContext(ctx).WithFields(port.Fields{
		"component":  "PostgresHistoryRepository",
		"method":     "FindByRecipient",
		"subject_id": recipientID,
		"limit":      limit,
		"offset":     offset,
	})

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		repoLogger.Error("Failed to begin transaction", err, nil)
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	countQuery := "SELECT COUNT(*) FROM notifications WHERE recipient_id = $1"
	if err := tx.QueryRow(ctx, countQuery, recipientID).Scan(&total); err != nil {
		repoLogger.Error("Failed to count notifications", err, nil)
		return nil, 0, fmt.Errorf("failed to count notifications for %s: %w", recipientID, err)
	}
	if total == 0 {
		return []domain.HistoryEntry{}, 0, nil
	}

	dataQuery := `
		SELECT notification_id::text, recipient_id, title, message, type, COALESCE(related_entity, ''), delivered, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := tx.Query(ctx, dataQuery, recipientID, limit, offset)
	if err != nil {
		repoLogger.Error("Failed to query notifications", err, nil)
		return nil, 0, fmt.Errorf("failed to query notifications for %s: %w", recipientID, err)
	}
	defer rows.Close()

	entries := make([]domain.HistoryEntry, 0, limit)
	for rows.Next() {
		var e domain.HistoryEntry
		var notifType string
		if err := rows.Scan(&e.NotificationID, &e.RecipientID, &e.Title, &e.Message, &notifType, &e.RelatedEntity, &e.Delivered, &e.CreatedAt); err != nil {
			repoLogger.Error("Failed to scan notification row", err, nil)
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		e.Type = domain.NotificationType(notifType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return entries, total, nil
}
