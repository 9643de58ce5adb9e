package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	_ MessageRepository     = (*PostgresMessageRepo)(nil)
	_ ConversationDirectory = (*PostgresMessageRepo)(nil)
)

// OpenPostgres opens a pgx-backed database/sql pool and verifies it.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, client_id, content, status,
	created_at, delivered_at, read_at, edited_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (model.Message, error) {
	var (
		m        model.Message
		status   string
		clientID sql.NullString
	)
	var deliveredAt, readAt, editedAt, deleted sql.NullTime
	if err := s.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&clientID,
		&m.Content,
		&status,
		&m.CreatedAt,
		&deliveredAt,
		&readAt,
		&editedAt,
		&deleted,
	); err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	m.ClientID = clientID.String
	m.DeliveredAt = nullTime(deliveredAt)
	m.ReadAt = nullTime(readAt)
	m.EditedAt = nullTime(editedAt)
	m.DeletedAt = nullTime(deleted)
	return m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *PostgresMessageRepo) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m model.Message) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_id, content, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ConversationID, m.SenderID, m.ClientID, m.Content, string(m.Status), m.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}

	out, err := r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *PostgresMessageRepo) ListRecentBySender(ctx context.Context, conversationID, senderID string, limit int) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, conversationID, senderID, limit)
}

func (r *PostgresMessageRepo) ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+prefixed("m", messageColumns)+`
		FROM messages m
		LEFT JOIN message_receipts r ON r.message_id = m.id AND r.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.status IN ('sent', 'delivered', 'read')
		  AND m.deleted_at IS NULL
		  AND (r.status IS NULL OR r.status <> 'read')
		ORDER BY m.created_at ASC, m.id ASC
	`, conversationID, userID)
}

func (r *PostgresMessageRepo) ListUndeliveredFor(ctx context.Context, userID string) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+prefixed("m", messageColumns)+`
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = $1
		WHERE m.sender_id <> $1
		  AND m.status IN ('sent', 'delivered', 'read')
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = m.id AND r.user_id = $1)
		ORDER BY m.created_at ASC, m.id ASC
	`, userID)
}

func (r *PostgresMessageRepo) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	var metadata []byte
	if len(t.Event.Metadata) > 0 {
		b, err := json.Marshal(t.Event.Metadata)
		if err != nil {
			return false, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = b
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if t.Observer != "" {
		applied, err := applyReceipt(ctx, tx, t, from)
		if err != nil || !applied {
			return false, err
		}
		if err := insertEvent(ctx, tx, t.Event, metadata); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = $2,
		    delivered_at = CASE WHEN $2 IN ('delivered', 'read') THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
		    read_at = CASE WHEN $2 = 'read' THEN $4 ELSE read_at END
		WHERE id = $1 AND status = ANY($3)
	`, t.MessageID, string(t.To), from, t.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, t.MessageID).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, tx.Commit()
	}

	if err := insertEvent(ctx, tx, t.Event, metadata); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// applyReceipt moves the observer's receipt and raises the message status.
// The message row lock serializes receipts for one message.
func applyReceipt(ctx context.Context, tx *sql.Tx, t Transition, from []string) (bool, error) {
	var conversationID string
	err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = $1 FOR UPDATE`, t.MessageID).
		Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	current := string(model.Sent)
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM message_receipts WHERE message_id = $1 AND user_id = $2
	`, t.MessageID, t.Observer).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if !slices.Contains(from, current) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_receipts (message_id, conversation_id, user_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, t.MessageID, conversationID, t.Observer, string(t.To), t.At); err != nil {
		return false, err
	}

	var lower []string
	for _, s := range []model.Status{model.Sent, model.Delivered} {
		if t.To.Outranks(s) {
			lower = append(lower, string(s))
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = CASE WHEN status = ANY($3) THEN $2 ELSE status END,
		    delivered_at = COALESCE(delivered_at, $4),
		    read_at = CASE WHEN $2 = 'read' THEN COALESCE(read_at, $4) ELSE read_at END
		WHERE id = $1
	`, t.MessageID, string(t.To), lower, t.At); err != nil {
		return false, err
	}
	return true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev model.StatusEvent, metadata []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_status_events
		    (message_id, conversation_id, user_id, status, previous_status, created_at, device_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, ev.MessageID, ev.ConversationID, ev.UserID, string(ev.Status), string(ev.PreviousStatus),
		ev.Timestamp, ev.DeviceID, metadata)
	return err
}

const eventColumns = `id, message_id, conversation_id, user_id, status, previous_status, created_at, device_id, metadata`

func scanEvent(s rowScanner) (model.StatusEvent, error) {
	var (
		ev           model.StatusEvent
		status, prev string
		deviceID     sql.NullString
		metadata     []byte
	)
	if err := s.Scan(
		&ev.ID,
		&ev.MessageID,
		&ev.ConversationID,
		&ev.UserID,
		&status,
		&prev,
		&ev.Timestamp,
		&deviceID,
		&metadata,
	); err != nil {
		return model.StatusEvent{}, err
	}
	ev.Status = model.Status(status)
	ev.PreviousStatus = model.Status(prev)
	ev.DeviceID = deviceID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return model.StatusEvent{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ev, nil
}

func (r *PostgresMessageRepo) Receipt(ctx context.Context, messageID, userID string) (model.Receipt, bool, error) {
	rc := model.Receipt{MessageID: messageID, UserID: userID}
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT conversation_id, status, updated_at
		FROM message_receipts
		WHERE message_id = $1 AND user_id = $2
	`, messageID, userID).Scan(&rc.ConversationID, &status, &rc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Receipt{}, false, nil
	}
	if err != nil {
		return model.Receipt{}, false, err
	}
	rc.Status = model.Status(status)
	return rc, true, nil
}

func (r *PostgresMessageRepo) LatestEvent(ctx context.Context, messageID string) (model.StatusEvent, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM message_status_events
		WHERE message_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, messageID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusEvent{}, false, nil
	}
	if err != nil {
		return model.StatusEvent{}, false, err
	}
	return ev, true, nil
}

func (r *PostgresMessageRepo) EventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]model.StatusEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixed("e", eventColumns)+`
		FROM message_status_events e
		JOIN conversation_participants p ON p.conversation_id = e.conversation_id AND p.user_id = $1
		WHERE e.created_at > $2
		ORDER BY e.created_at ASC, e.id ASC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) ReadStatus(ctx context.Context, conversationID, userID string) (model.ConversationReadStatus, error) {
	rs := model.ConversationReadStatus{ConversationID: conversationID, UserID: userID}

	var (
		markerID      sql.NullString
		markerCreated sql.NullTime
		readAt        sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT m.id, m.created_at, r.updated_at
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.conversation_id = $1 AND r.user_id = $2 AND r.status = 'read'
		ORDER BY m.created_at DESC, r.updated_at DESC
		LIMIT 1
	`, conversationID, userID).Scan(&markerID, &markerCreated, &readAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rs, err
	}
	rs.LastReadMessageID = markerID.String
	rs.LastReadAt = nullTime(readAt)

	since := time.Time{}
	if markerCreated.Valid {
		since = markerCreated.Time
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM messages
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND deleted_at IS NULL
		  AND created_at > $3
	`, conversationID, userID, since).Scan(&rs.UnreadCount)
	return rs, err
}

func (r *PostgresMessageRepo) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM message_status_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresMessageRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&ok)
	return ok, err
}

func (r *PostgresMessageRepo) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	return r.queryStrings(ctx, `
		SELECT conversation_id FROM conversation_participants WHERE user_id = $1 ORDER BY conversation_id
	`, userID)
}

func (r *PostgresMessageRepo) Participants(ctx context.Context, conversationID string) ([]string, error) {
	return r.queryStrings(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
}

func (r *PostgresMessageRepo) AddParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, conversationID, userID)
	return err
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (r *PostgresMessageRepo) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
