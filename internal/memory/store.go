// Package memory is the durable message log shared by every platform loop.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"personago/internal/models"
	"personago/internal/storage"
)

var (
	ErrDuplicateID = errors.New("message id already exists")
	ErrConstraint  = errors.New("message is missing a required field")
	ErrNotFound    = errors.New("message not found")
)

// FlaggedMode selects how flagged messages are treated by Query.
type FlaggedMode int

const (
	// FlaggedExclude hides flagged messages; it is the zero value.
	FlaggedExclude FlaggedMode = iota
	FlaggedOnly
	FlaggedAny
)

type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

var sortColumns = map[string]string{
	"id":              "id",
	"wen_posted":      "wen_posted",
	"conversation_id": "conversation_id",
	"author":          "author",
	"platform":        "platform",
}

// Filter narrows Query. Zero-valued fields are not applied.
type Filter struct {
	ID             string
	Platform       string
	Author         string
	NotAuthor      string
	Character      string
	ConversationID string
	ResponseTo     string
	// IsRootPost, when set, keeps only thread roots (true) or only replies (false).
	IsRootPost *bool
	Since      time.Time
	Flagged    FlaggedMode
	// SortBy must be one of id, wen_posted, conversation_id, author or platform.
	// Without it rows come back in engine order.
	SortBy    string
	SortOrder SortOrder
	Limit     int
}

// Store persists messages in the messages table.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewStore wraps db; driver selects placeholder syntax.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: storage.Normalize(driver), now: time.Now}
}

// Append inserts msg. The first writer of an id wins; later writers get ErrDuplicateID.
func (s *Store) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil || strings.TrimSpace(msg.ID) == "" || msg.Platform == "" || msg.Author == "" || msg.Content == "" {
		return nil, ErrConstraint
	}
	stored := *msg
	if stored.WenPosted.IsZero() {
		stored.WenPosted = s.now()
	}
	stored.WenPosted = stored.WenPosted.UTC()

	var original, metadata any
	if len(stored.OriginalData) > 0 {
		original = string(stored.OriginalData)
	}
	if len(stored.Metadata) > 0 {
		raw, err := json.Marshal(stored.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := storage.Rebind(s.driver, `INSERT INTO messages
		(id, conversation_id, character_name, platform, author, content, response_to, wen_posted, flagged, original_data, message_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		stored.ID,
		nullable(stored.ConversationID),
		nullable(stored.Character),
		stored.Platform,
		stored.Author,
		stored.Content,
		nullable(stored.ResponseTo),
		stored.WenPosted,
		stored.Flagged,
		original,
		metadata,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, stored.ID)
		}
		if storage.IsNotNullViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &stored, nil
}

// Get returns the message with id regardless of its flagged state.
func (s *Store) Get(ctx context.Context, id string) (*models.Message, error) {
	msgs, err := s.Query(ctx, Filter{ID: id, Flagged: FlaggedAny})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// Query returns the messages matching f.
func (s *Store) Query(ctx context.Context, f Filter) ([]*models.Message, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.ID != "" {
		add("id = ?", f.ID)
	}
	if f.Platform != "" {
		add("platform = ?", f.Platform)
	}
	if f.Author != "" {
		add("author = ?", f.Author)
	}
	if f.NotAuthor != "" {
		add("author <> ?", f.NotAuthor)
	}
	if f.Character != "" {
		add("character_name = ?", f.Character)
	}
	if f.ConversationID != "" {
		add("conversation_id = ?", f.ConversationID)
	}
	if f.ResponseTo != "" {
		add("response_to = ?", f.ResponseTo)
	}
	if f.IsRootPost != nil {
		if *f.IsRootPost {
			where = append(where, "response_to IS NULL")
		} else {
			where = append(where, "response_to IS NOT NULL")
		}
	}
	if !f.Since.IsZero() {
		add("wen_posted >= ?", f.Since.UTC())
	}
	switch f.Flagged {
	case FlaggedExclude:
		add("flagged = ?", false)
	case FlaggedOnly:
		add("flagged = ?", true)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, conversation_id, character_name, platform, author, content, response_to,
		wen_posted, flagged, original_data, message_metadata FROM messages`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if f.SortBy != "" {
		col, ok := sortColumns[f.SortBy]
		if !ok {
			return nil, fmt.Errorf("unsupported sort column: %s", f.SortBy)
		}
		order := "ASC"
		if strings.EqualFold(string(f.SortOrder), string(Desc)) {
			order = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", col, order)
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, storage.Rebind(s.driver, b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// Clear deletes every message belonging to character and reports how many were removed.
func (s *Store) Clear(ctx context.Context, character string) (int64, error) {
	if character == "" {
		return 0, fmt.Errorf("character must be provided")
	}
	res, err := s.db.ExecContext(ctx, storage.Rebind(s.driver, `DELETE FROM messages WHERE character_name = ?`), character)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg                                   models.Message
		conversationID, character, responseTo sql.NullString
		original, metadata                    sql.NullString
	)
	if err := rows.Scan(
		&msg.ID,
		&conversationID,
		&character,
		&msg.Platform,
		&msg.Author,
		&msg.Content,
		&responseTo,
		&msg.WenPosted,
		&msg.Flagged,
		&original,
		&metadata,
	); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ConversationID = conversationID.String
	msg.Character = character.String
	msg.ResponseTo = responseTo.String
	if original.Valid && original.String != "" {
		msg.OriginalData = json.RawMessage(original.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
