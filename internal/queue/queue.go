// Package queue implements the persistent priority-FIFO inbox between
// agents. Messages are returned by (priority DESC, created_at ASC): strictly
// FIFO within a priority level, higher priorities first. Status transitions
// are forward-only: pending -> delivered -> processed.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/events"
	"github.com/arbor-ai/arbor/internal/metrics"
)

// Queue is the message bus over the shared store.
type Queue struct {
	client *db.Client
	events *events.Manager
	logger *zap.Logger
}

// BroadcastResult reports per-recipient outcomes of SendBroadcast.
type BroadcastResult struct {
	Sent   []uuid.UUID
	Failed map[uuid.UUID]error
}

// Statistics summarizes queue state for operators.
type Statistics struct {
	Pending   int `db:"pending"`
	Delivered int `db:"delivered"`
	Processed int `db:"processed"`
	Total     int `db:"total"`
}

// RecipientBacklog is the pending-message count for one recipient.
type RecipientBacklog struct {
	RecipientID uuid.UUID `db:"recipient_id"`
	Pending     int       `db:"pending"`
}

// New creates a queue. events may be nil.
func New(client *db.Client, evts *events.Manager, logger *zap.Logger) *Queue {
	return &Queue{client: client, events: evts, logger: logger}
}

// Send inserts a pending message for one recipient.
func (q *Queue) Send(ctx context.Context, sender, recipient uuid.UUID, payload db.JSONB, priority int, thread *uuid.UUID) (*db.Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: message payload must not be empty", errdefs.ErrValidation)
	}

	msg := &db.Message{
		ID:          uuid.New(),
		SenderID:    sender,
		RecipientID: recipient,
		Payload:     payload,
		Priority:    priority,
		Status:      db.MessagePending,
		ThreadID:    thread,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := q.client.DB().ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, payload, priority, status, thread_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.SenderID, msg.RecipientID, msg.Payload, msg.Priority, msg.Status, msg.ThreadID, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	metrics.MessagesSent.Inc()
	if q.events != nil {
		q.events.Publish(events.Event{
			Topic:   recipient.String(),
			Type:    events.TypeMessageSent,
			AgentID: sender.String(),
		})
	}
	return msg, nil
}

// SendBroadcast sends the payload to every recipient, reporting partial
// failures per recipient instead of aborting on the first.
func (q *Queue) SendBroadcast(ctx context.Context, sender uuid.UUID, recipients []uuid.UUID, payload db.JSONB, priority int) (*BroadcastResult, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: broadcast needs at least one recipient", errdefs.ErrValidation)
	}

	result := &BroadcastResult{Failed: make(map[uuid.UUID]error)}
	for _, recipient := range recipients {
		if _, err := q.Send(ctx, sender, recipient, payload, priority, nil); err != nil {
			result.Failed[recipient] = err
			q.logger.Warn("Broadcast delivery failed for recipient",
				zap.String("recipient_id", recipient.String()),
				zap.Error(err),
			)
			continue
		}
		result.Sent = append(result.Sent, recipient)
	}
	return result, nil
}

// Receive returns up to limit pending messages for the recipient in
// (priority DESC, created_at ASC) order without mutating status.
func (q *Queue) Receive(ctx context.Context, recipient uuid.UUID, limit int) ([]db.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs := []db.Message{}
	err := q.client.DB().SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE recipient_id = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`, recipient, db.MessagePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}
	return msgs, nil
}

// ReceiveAndMark fetches pending messages and marks them delivered in one
// transaction, for callers that want at-most-once fetch semantics.
func (q *Queue) ReceiveAndMark(ctx context.Context, recipient uuid.UUID, limit int) ([]db.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs := []db.Message{}
	err := q.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		// The closure re-runs on serialization retry; Select appends, so the
		// slice must be reset or retried attempts duplicate rows.
		msgs = msgs[:0]
		err := tx.Select(&msgs, `
			SELECT * FROM messages
			WHERE recipient_id = $1 AND status = $2
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, recipient, db.MessagePending, limit)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(msgs))
		for i := range msgs {
			ids[i] = msgs[i].ID
			msgs[i].Status = db.MessageDelivered
		}
		query, args, err := sqlx.In(`UPDATE messages SET status = ? WHERE id IN (?)`, db.MessageDelivered, ids)
		if err != nil {
			return fmt.Errorf("failed to build delivery update: %w", err)
		}
		if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to mark messages delivered: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkDelivered moves a pending message to delivered.
func (q *Queue) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	return q.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		msg, err := lockMessage(tx, messageID)
		if err != nil {
			return err
		}
		if msg.Status != db.MessagePending {
			return &errdefs.InvalidTransitionError{
				Entity: "message",
				ID:     messageID.String(),
				From:   string(msg.Status),
				To:     string(db.MessageDelivered),
			}
		}
		_, err = tx.Exec(`UPDATE messages SET status = $2 WHERE id = $1`, messageID, db.MessageDelivered)
		if err != nil {
			return fmt.Errorf("failed to mark message delivered: %w", err)
		}
		return nil
	})
}

// MarkProcessed moves a pending or delivered message to processed and stamps
// processed_at. A second call for the same message fails with
// InvalidTransition rather than silently rewriting the timestamp.
func (q *Queue) MarkProcessed(ctx context.Context, messageID uuid.UUID) error {
	err := q.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		msg, err := lockMessage(tx, messageID)
		if err != nil {
			return err
		}
		if msg.Status == db.MessageProcessed {
			return &errdefs.InvalidTransitionError{
				Entity: "message",
				ID:     messageID.String(),
				From:   string(msg.Status),
				To:     string(db.MessageProcessed),
			}
		}
		_, err = tx.Exec(`
			UPDATE messages SET status = $2, processed_at = $3 WHERE id = $1
		`, messageID, db.MessageProcessed, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to mark message processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.MessagesProcessed.Inc()
	return nil
}

// Conversation returns the chronological bidirectional thread between two
// agents, oldest first.
func (q *Queue) Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]db.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs := []db.Message{}
	err := q.client.DB().SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at ASC
		LIMIT $3
	`, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return msgs, nil
}

// Stats returns message counts by status.
func (q *Queue) Stats(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	err := q.client.DB().GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'processed') AS processed,
			COUNT(*)                                     AS total
		FROM messages
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue statistics: %w", err)
	}
	return &stats, nil
}

// Backlog returns the recipients with the deepest pending backlogs,
// largest first.
func (q *Queue) Backlog(ctx context.Context, limit int) ([]RecipientBacklog, error) {
	if limit <= 0 {
		limit = 20
	}
	backlog := []RecipientBacklog{}
	err := q.client.DB().SelectContext(ctx, &backlog, `
		SELECT recipient_id, COUNT(*) AS pending
		FROM messages
		WHERE status = $1
		GROUP BY recipient_id
		ORDER BY pending DESC
		LIMIT $2
	`, db.MessagePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient backlog: %w", err)
	}
	return backlog, nil
}

// PurgeProcessedBefore deletes processed messages older than cutoff and
// returns the number removed. Only processed messages are eligible.
func (q *Queue) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.client.DB().ExecContext(ctx, `
		DELETE FROM messages WHERE status = $1 AND processed_at < $2
	`, db.MessageProcessed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	purged, _ := res.RowsAffected()
	if purged > 0 {
		metrics.MessagesPurged.Add(float64(purged))
		q.logger.Info("Purged processed messages",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}

func lockMessage(tx *sqlx.Tx, messageID uuid.UUID) (*db.Message, error) {
	var msg db.Message
	err := tx.Get(&msg, `SELECT * FROM messages WHERE id = $1 FOR UPDATE`, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "message", ID: messageID.String()}
		}
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}
	return &msg, nil
}
