package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/marketloop/marketloop/internal/models"
)

// previewLimit caps the denormalized last-message preview stored on the
// conversation row.
const previewLimit = 120

type PostgresDB struct {
	*sql.DB
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresDB{db}, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = $1 OR email = $2",
		username, email).Scan(&count)
	if err != nil {
		return nil, err
	}

	if count > 0 {
		return nil, ErrUserAlreadyExists
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
		LastSeen:     time.Now(),
	}

	_, err = db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password_hash, created_at, last_seen) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt, user.LastSeen,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}

	err := db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash,
		       COALESCE(display_name, ''), COALESCE(avatar_url, ''),
		       created_at, last_seen
		FROM users WHERE email = $1`, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.DisplayName, &user.AvatarURL, &user.CreatedAt, &user.LastSeen)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}

	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash,
		       COALESCE(display_name, ''), COALESCE(avatar_url, ''),
		       created_at, last_seen
		FROM users WHERE id = $1`,
		id).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.AvatarURL,
		&user.CreatedAt,
		&user.LastSeen,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (db *PostgresDB) UpdateLastSeen(ctx context.Context, userID uuid.UUID) error {
	result, err := db.ExecContext(ctx, "UPDATE users SET last_seen = $1 WHERE id = $2",
		time.Now(), userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (db *PostgresDB) GetAllUsers(ctx context.Context, excludeUserID uuid.UUID) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, username, email, password_hash,
		       COALESCE(display_name, ''), COALESCE(avatar_url, ''),
		       created_at, last_seen
		FROM users
		WHERE id != $1
		ORDER BY username`, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Email,
			&user.PasswordHash,
			&user.DisplayName,
			&user.AvatarURL,
			&user.CreatedAt,
			&user.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, &user)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	return users, nil
}

// orderedPair returns the two participant ids in a stable order so the
// (listing, pair) uniqueness index treats {A,B} and {B,A} as the same pair.
func orderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if strings.Compare(a.String(), b.String()) <= 0 {
		return a, b
	}
	return b, a
}

func (db *PostgresDB) CreateOrGetConversation(ctx context.Context, listingID *uuid.UUID, callerID, otherID uuid.UUID) (*models.Conversation, error) {
	lo, hi := orderedPair(callerID, otherID)

	conv, err := db.findConversation(ctx, listingID, lo, hi, callerID)
	if err == nil {
		return conv, nil
	}
	if err != ErrConversationNotFound {
		return nil, err
	}

	conv, err = db.insertConversation(ctx, listingID, lo, hi)
	if err == nil {
		return conv, nil
	}

	// Lost the read-then-insert race: another client created the pair's
	// conversation between our lookup and insert. The uniqueness index
	// rejects ours, so the winner's row is the conversation.
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return db.findConversation(ctx, listingID, lo, hi, callerID)
	}

	return nil, err
}

func (db *PostgresDB) findConversation(ctx context.Context, listingID *uuid.UUID, lo, hi, viewerID uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	var listing uuid.NullUUID
	var deletedAt sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT c.id, c.listing_id, COALESCE(c.last_message_preview, ''), c.last_message_at, c.created_at, cp.deleted_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $4
		WHERE c.listing_id IS NOT DISTINCT FROM $1 AND c.participant_lo = $2 AND c.participant_hi = $3`,
		listingID, lo, hi, viewerID).Scan(
		&conv.ID, &listing, &conv.LastMessagePreview, &conv.LastMessageAt, &conv.CreatedAt, &deletedAt)

	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	if listing.Valid {
		conv.ListingID = &listing.UUID
	}
	if deletedAt.Valid {
		conv.DeletedAt = &deletedAt.Time
	}

	if conv.ParticipantIDs, err = db.participantIDs(ctx, conv.ID); err != nil {
		return nil, err
	}

	return &conv, nil
}

func (db *PostgresDB) insertConversation(ctx context.Context, listingID *uuid.UUID, lo, hi uuid.UUID) (*models.Conversation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &models.Conversation{
		ID:             uuid.New(),
		ListingID:      listingID,
		ParticipantIDs: []uuid.UUID{lo, hi},
		LastMessageAt:  time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, listing_id, participant_lo, participant_hi, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, listingID, lo, hi, conv.LastMessageAt, conv.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, participant := range []uuid.UUID{lo, hi} {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)",
			conv.ID, participant)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return conv, nil
}

func (db *PostgresDB) participantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1",
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PostgresDB) ListConversations(ctx context.Context, participantID uuid.UUID, includeDeleted bool) ([]*models.Conversation, error) {
	query := `
		SELECT c.id, c.listing_id, COALESCE(c.last_message_preview, ''), c.last_message_at, c.created_at, cp.deleted_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = $1`
	if !includeDeleted {
		query += " AND cp.deleted_at IS NULL"
	}
	query += " ORDER BY c.last_message_at DESC"

	rows, err := db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var listing uuid.NullUUID
		var deletedAt sql.NullTime

		err := rows.Scan(&conv.ID, &listing, &conv.LastMessagePreview, &conv.LastMessageAt, &conv.CreatedAt, &deletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}

		if listing.Valid {
			conv.ListingID = &listing.UUID
		}
		if deletedAt.Valid {
			conv.DeletedAt = &deletedAt.Time
		}

		conversations = append(conversations, &conv)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	for _, conv := range conversations {
		if conv.ParticipantIDs, err = db.participantIDs(ctx, conv.ID); err != nil {
			return nil, err
		}
	}

	return conversations, nil
}

func (db *PostgresDB) GetConversation(ctx context.Context, id, viewerID uuid.UUID) (*models.Conversation, []*models.Message, error) {
	var conv models.Conversation
	var listing uuid.NullUUID
	var deletedAt sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT c.id, c.listing_id, COALESCE(c.last_message_preview, ''), c.last_message_at, c.created_at, cp.deleted_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $2
		WHERE c.id = $1`,
		id, viewerID).Scan(
		&conv.ID, &listing, &conv.LastMessagePreview, &conv.LastMessageAt, &conv.CreatedAt, &deletedAt)

	if err == sql.ErrNoRows {
		// Either the conversation does not exist or the viewer is not in it.
		exists, existsErr := db.conversationExists(ctx, id)
		if existsErr != nil {
			return nil, nil, existsErr
		}
		if exists {
			return nil, nil, ErrNotAParticipant
		}
		return nil, nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	if listing.Valid {
		conv.ListingID = &listing.UUID
	}
	if deletedAt.Valid {
		conv.DeletedAt = &deletedAt.Time
	}

	if conv.ParticipantIDs, err = db.participantIDs(ctx, conv.ID); err != nil {
		return nil, nil, err
	}

	messages, err := db.conversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}

	return &conv, messages, nil
}

func (db *PostgresDB) conversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	// id ASC breaks created_at ties so the order is a stable total order.
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, type, content,
		       attachment_url, attachment_name, attachment_size, attachment_duration,
		       created_at, is_read
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var attURL, attName sql.NullString
	var attSize, attDuration sql.NullInt64

	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &msg.Content,
		&attURL, &attName, &attSize, &attDuration, &msg.CreatedAt, &msg.IsRead)
	if err != nil {
		return nil, err
	}

	if attURL.Valid {
		msg.Attachment = &models.Attachment{
			URL:             attURL.String,
			FileName:        attName.String,
			FileSize:        attSize.Int64,
			DurationSeconds: int(attDuration.Int64),
		}
	}

	return &msg, nil
}

func (db *PostgresDB) conversationExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = $1", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *PostgresDB) isParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	exists, err := db.conversationExists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrConversationNotFound
	}
	return ErrNotAParticipant
}

// previewOf builds the denormalized list-view preview for a message.
func previewOf(msgType models.MessageType, content string) string {
	preview := content
	if msgType != models.MessageTypeText && msgType != models.MessageTypeLocation {
		preview = "[" + string(msgType) + "]"
		if content != "" {
			preview += " " + content
		}
	}
	if len(preview) > previewLimit {
		// Cut on a rune boundary; a byte-offset slice can split a multibyte
		// rune and Postgres rejects the invalid UTF-8.
		cut := previewLimit
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	return preview
}

func (db *PostgresDB) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, msgType models.MessageType, content string, attachment *models.Attachment) (*models.Message, error) {
	if err := db.isParticipant(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           msgType,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      time.Now().UTC(),
		IsRead:         false,
	}

	var attURL, attName sql.NullString
	var attSize, attDuration sql.NullInt64
	if attachment != nil {
		attURL = sql.NullString{String: attachment.URL, Valid: true}
		attName = sql.NullString{String: attachment.FileName, Valid: true}
		attSize = sql.NullInt64{Int64: attachment.FileSize, Valid: true}
		attDuration = sql.NullInt64{Int64: int64(attachment.DurationSeconds), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, type, content,
		                      attachment_url, attachment_name, attachment_size, attachment_duration,
		                      created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.Content,
		attURL, attName, attSize, attDuration, msg.CreatedAt, msg.IsRead)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_preview = $1, last_message_at = $2 WHERE id = $3",
		previewOf(msgType, content), msg.CreatedAt, conversationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return msg, nil
}

func (db *PostgresDB) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, error) {
	if err := db.isParticipant(ctx, conversationID, readerID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		UPDATE messages SET is_read = true
		WHERE conversation_id = $1 AND sender_id != $2 AND is_read = false
		RETURNING id, conversation_id, sender_id, type, content,
		          attachment_url, attachment_name, attachment_size, attachment_duration,
		          created_at, is_read`,
		conversationID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updated []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		updated = append(updated, msg)
	}

	return updated, rows.Err()
}

func (db *PostgresDB) SetConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, at time.Time) error {
	if err := db.isParticipant(ctx, conversationID, participantID); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx,
		"UPDATE conversation_participants SET deleted_at = $1 WHERE conversation_id = $2 AND user_id = $3",
		at, conversationID, participantID)
	return err
}

// ClearConversationDeleted removes the participant's tombstone if it was
// stamped after deletedAfter, reporting whether a tombstone was cleared. The
// predicate lives in the UPDATE itself so a delete racing the restore cannot
// slip a newer tombstone past a stale read.
func (db *PostgresDB) ClearConversationDeleted(ctx context.Context, conversationID, participantID uuid.UUID, deletedAfter time.Time) (bool, error) {
	if err := db.isParticipant(ctx, conversationID, participantID); err != nil {
		return false, err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE conversation_participants SET deleted_at = NULL
		WHERE conversation_id = $1 AND user_id = $2 AND deleted_at > $3`,
		conversationID, participantID, deletedAfter)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func (db *PostgresDB) ConversationDeletedAt(ctx context.Context, conversationID, participantID uuid.UUID) (*time.Time, error) {
	var deletedAt sql.NullTime
	err := db.QueryRowContext(ctx,
		"SELECT deleted_at FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2",
		conversationID, participantID).Scan(&deletedAt)

	if err == sql.ErrNoRows {
		// No membership row: distinguish unknown conversation from outsider.
		if checkErr := db.isParticipant(ctx, conversationID, participantID); checkErr != nil {
			return nil, checkErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !deletedAt.Valid {
		return nil, nil
	}
	return &deletedAt.Time, nil
}

func (db *PostgresDB) SaveRating(ctx context.Context, rating *models.Rating) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ratings (rater_id, ratee_id, stars, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (rater_id, ratee_id)
		DO UPDATE SET stars = EXCLUDED.stars, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`,
		rating.RaterID, rating.RateeID, rating.Stars, rating.Comment, rating.CreatedAt)
	return err
}

func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
