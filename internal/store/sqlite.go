// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/generation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// snapshotVersion is stamped into every JSON-blob column so a future
// recovery or migration worker can tell what it is rehydrating.
const snapshotVersion = 1

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			generation_status TEXT NOT NULL DEFAULT 'idle',
			current_generation_id TEXT,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id);

		CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			content_parts TEXT NOT NULL,
			pending_approval TEXT,
			pending_auth TEXT,
			execution_policy TEXT NOT NULL,
			sandbox_id TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			cancel_requested_at DATETIME,
			completed_at DATETIME,
			error_message TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_generations_conversation
			ON generations(conversation_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			generation_id TEXT,
			role TEXT NOT NULL,
			content_parts TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS queued_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT,
			capabilities TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_queued_messages_conversation_status
			ON queued_messages(conversation_id, status, created_at);

		CREATE TABLE IF NOT EXISTS integration_connections (
			user_id TEXT NOT NULL,
			integration TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expires_at DATETIME,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, integration)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalSnapshot wraps a value in a versioned JSON envelope.
func marshalSnapshot(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(struct {
		V    int             `json:"v"`
		Data json.RawMessage `json:"data"`
	}{V: snapshotVersion, Data: data})
	if err != nil {
		return "", err
	}
	return string(envelope), nil
}

// unmarshalSnapshot unwraps a versioned JSON envelope into out.
func unmarshalSnapshot(raw string, out any) error {
	var envelope struct {
		V    int             `json:"v"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return err
	}
	if envelope.V != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", envelope.V)
	}
	return json.Unmarshal(envelope.Data, out)
}

// formatTime and parseTime keep DATETIME columns in a single format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Conversations ---

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, generation_status, current_generation_id, auto_approve, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		string(conv.GenerationStatus),
		conv.CurrentGenerationID,
		conv.AutoApprove,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, user_id, generation_status, current_generation_id, auto_approve, created_at, updated_at
		FROM conversations WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var conv Conversation
	var status, createdAt, updatedAt string
	var currentGenID sql.NullString
	err := row.Scan(&conv.ID, &conv.UserID, &status, &currentGenID, &conv.AutoApprove, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.GenerationStatus = ConversationStatus(status)
	if currentGenID.Valid {
		conv.CurrentGenerationID = &currentGenID.String
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// UpdateConversationGeneration updates the conversation's coarse generation view.
func (s *SQLiteStore) UpdateConversationGeneration(ctx context.Context, id string, status ConversationStatus, currentGenerationID *string) error {
	query := `
		UPDATE conversations
		SET generation_status = ?, current_generation_id = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, string(status), currentGenerationID, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating conversation generation: %w", err)
	}
	return requireRowAffected(res)
}

// SetConversationAutoApprove toggles the conversation's auto-approve flag.
func (s *SQLiteStore) SetConversationAutoApprove(ctx context.Context, id string, autoApprove bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET auto_approve = ?, updated_at = ? WHERE id = ?`,
		autoApprove, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating auto_approve: %w", err)
	}
	return requireRowAffected(res)
}

// --- Generations ---

// CreateGeneration inserts a new generation row.
func (s *SQLiteStore) CreateGeneration(ctx context.Context, gen *Generation) error {
	parts, approval, auth, policy, err := marshalGenerationBlobs(gen)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO generations (
			id, conversation_id, status, content_parts, pending_approval, pending_auth,
			execution_policy, sandbox_id, input_tokens, output_tokens, total_cost_usd,
			started_at, cancel_requested_at, completed_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		gen.ID,
		gen.ConversationID,
		string(gen.Status),
		parts,
		approval,
		auth,
		policy,
		gen.SandboxID,
		gen.Usage.InputTokens,
		gen.Usage.OutputTokens,
		gen.Usage.TotalCostUSD,
		formatTime(gen.StartedAt),
		formatTimePtr(gen.CancelRequested),
		formatTimePtr(gen.CompletedAt),
		gen.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting generation: %w", err)
	}
	return nil
}

// UpdateGeneration persists the full mutable portion of a generation row.
func (s *SQLiteStore) UpdateGeneration(ctx context.Context, gen *Generation) error {
	parts, approval, auth, policy, err := marshalGenerationBlobs(gen)
	if err != nil {
		return err
	}

	query := `
		UPDATE generations SET
			status = ?, content_parts = ?, pending_approval = ?, pending_auth = ?,
			execution_policy = ?, sandbox_id = ?, input_tokens = ?, output_tokens = ?,
			total_cost_usd = ?, cancel_requested_at = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(gen.Status),
		parts,
		approval,
		auth,
		policy,
		gen.SandboxID,
		gen.Usage.InputTokens,
		gen.Usage.OutputTokens,
		gen.Usage.TotalCostUSD,
		formatTimePtr(gen.CancelRequested),
		formatTimePtr(gen.CompletedAt),
		gen.ErrorMessage,
		gen.ID,
	)
	if err != nil {
		return fmt.Errorf("updating generation: %w", err)
	}
	return requireRowAffected(res)
}

// GetGeneration retrieves a generation by ID.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	query := `
		SELECT id, conversation_id, status, content_parts, pending_approval, pending_auth,
			execution_policy, sandbox_id, input_tokens, output_tokens, total_cost_usd,
			started_at, cancel_requested_at, completed_at, error_message
		FROM generations WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var gen Generation
	var status, parts, policy, startedAt string
	var approval, auth, sandboxID, errorMessage sql.NullString
	var cancelAt, completedAt sql.NullString
	err := row.Scan(
		&gen.ID, &gen.ConversationID, &status, &parts, &approval, &auth,
		&policy, &sandboxID, &gen.Usage.InputTokens, &gen.Usage.OutputTokens,
		&gen.Usage.TotalCostUSD, &startedAt, &cancelAt, &completedAt, &errorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying generation: %w", err)
	}

	gen.Status = GenerationStatus(status)
	gen.SandboxID = sandboxID.String
	gen.ErrorMessage = errorMessage.String

	if err := unmarshalSnapshot(parts, &gen.ContentParts); err != nil {
		return nil, fmt.Errorf("decoding content_parts: %w", err)
	}
	if approval.Valid {
		gen.PendingApproval = &PendingApproval{}
		if err := unmarshalSnapshot(approval.String, gen.PendingApproval); err != nil {
			return nil, fmt.Errorf("decoding pending_approval: %w", err)
		}
	}
	if auth.Valid {
		gen.PendingAuth = &PendingAuth{}
		if err := unmarshalSnapshot(auth.String, gen.PendingAuth); err != nil {
			return nil, fmt.Errorf("decoding pending_auth: %w", err)
		}
	}
	if err := unmarshalSnapshot(policy, &gen.Policy); err != nil {
		return nil, fmt.Errorf("decoding execution_policy: %w", err)
	}
	if gen.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if gen.CancelRequested, err = parseTimePtr(cancelAt); err != nil {
		return nil, fmt.Errorf("parsing cancel_requested_at: %w", err)
	}
	if gen.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &gen, nil
}

// marshalGenerationBlobs serializes the JSON-blob columns of a generation row.
func marshalGenerationBlobs(gen *Generation) (parts string, approval, auth any, policy string, err error) {
	contentParts := gen.ContentParts
	if contentParts == nil {
		contentParts = []ContentPart{}
	}
	parts, err = marshalSnapshot(contentParts)
	if err != nil {
		return "", nil, nil, "", fmt.Errorf("encoding content_parts: %w", err)
	}

	if gen.PendingApproval != nil {
		s, merr := marshalSnapshot(gen.PendingApproval)
		if merr != nil {
			return "", nil, nil, "", fmt.Errorf("encoding pending_approval: %w", merr)
		}
		approval = s
	}
	if gen.PendingAuth != nil {
		s, merr := marshalSnapshot(gen.PendingAuth)
		if merr != nil {
			return "", nil, nil, "", fmt.Errorf("encoding pending_auth: %w", merr)
		}
		auth = s
	}

	policy, err = marshalSnapshot(gen.Policy)
	if err != nil {
		return "", nil, nil, "", fmt.Errorf("encoding execution_policy: %w", err)
	}
	return parts, approval, auth, policy, nil
}

// --- Messages ---

// SaveMessage persists a conversation message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	parts := msg.ContentParts
	if parts == nil {
		parts = []ContentPart{}
	}
	encoded, err := marshalSnapshot(parts)
	if err != nil {
		return fmt.Errorf("encoding content_parts: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, generation_id, role, content_parts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.GenerationID, msg.Role, encoded, formatTime(msg.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListConversationMessages returns messages for a conversation in creation order.
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, conversation_id, generation_id, role, content_parts, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var genID sql.NullString
		var parts, createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &genID, &msg.Role, &parts, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if genID.Valid {
			msg.GenerationID = &genID.String
		}
		if err := unmarshalSnapshot(parts, &msg.ContentParts); err != nil {
			return nil, fmt.Errorf("decoding content_parts: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// --- Queued messages ---

// EnqueueMessage inserts a queued follow-up message.
func (s *SQLiteStore) EnqueueMessage(ctx context.Context, msg *QueuedMessage) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	capabilities, err := json.Marshal(msg.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO queued_messages (id, conversation_id, content, attachments, capabilities, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Content, string(attachments), string(capabilities),
		msg.Status, formatTime(msg.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting queued message: %w", err)
	}
	return nil
}

// ListQueuedMessages returns pending queued messages for a conversation, oldest first.
func (s *SQLiteStore) ListQueuedMessages(ctx context.Context, conversationID string) ([]*QueuedMessage, error) {
	query := `
		SELECT id, conversation_id, content, attachments, capabilities, status, created_at
		FROM queued_messages
		WHERE conversation_id = ? AND status = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, QueuedMessageQueued)
	if err != nil {
		return nil, fmt.Errorf("querying queued messages: %w", err)
	}
	defer rows.Close()

	var msgs []*QueuedMessage
	for rows.Next() {
		msg, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// RemoveQueuedMessage deletes a queued message by ID. Removing an unknown
// ID is a no-op, not an error.
func (s *SQLiteStore) RemoveQueuedMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queued message: %w", err)
	}
	return nil
}

// DeleteQueuedByConversation removes all still-queued messages for a conversation.
func (s *SQLiteStore) DeleteQueuedByConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queued_messages WHERE conversation_id = ? AND status = ?`,
		conversationID, QueuedMessageQueued)
	if err != nil {
		return fmt.Errorf("deleting queued messages: %w", err)
	}
	return nil
}

// ConsumeNextQueuedMessage atomically dequeues the oldest queued message.
func (s *SQLiteStore) ConsumeNextQueuedMessage(ctx context.Context, conversationID string) (*QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, content, attachments, capabilities, status, created_at
		FROM queued_messages
		WHERE conversation_id = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1
	`, conversationID, QueuedMessageQueued)

	msg, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queued_messages SET status = ? WHERE id = ?`,
		QueuedMessageConsumed, msg.ID); err != nil {
		return nil, fmt.Errorf("consuming queued message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue: %w", err)
	}
	msg.Status = QueuedMessageConsumed
	return msg, nil
}

// rowScanner lets scanQueuedMessage work for both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedMessage(row rowScanner) (*QueuedMessage, error) {
	var msg QueuedMessage
	var attachments, capabilities sql.NullString
	var createdAt string
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Content, &attachments, &capabilities, &msg.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queued message: %w", err)
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &msg.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

// --- Integration connections ---

// GetIntegrationConnection returns the stored OAuth state for a (user, integration) pair.
func (s *SQLiteStore) GetIntegrationConnection(ctx context.Context, userID, integration string) (*IntegrationConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, integration, access_token, refresh_token, expires_at, updated_at
		FROM integration_connections WHERE user_id = ? AND integration = ?
	`, userID, integration)

	var conn IntegrationConnection
	var refreshToken, expiresAt sql.NullString
	var updatedAt string
	err := row.Scan(&conn.UserID, &conn.Integration, &conn.AccessToken, &refreshToken, &expiresAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying integration connection: %w", err)
	}
	conn.RefreshToken = refreshToken.String
	if conn.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conn, nil
}

// UpsertIntegrationConnection inserts or replaces an integration connection.
func (s *SQLiteStore) UpsertIntegrationConnection(ctx context.Context, conn *IntegrationConnection) error {
	query := `
		INSERT INTO integration_connections (user_id, integration, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, integration) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		conn.UserID, conn.Integration, conn.AccessToken, conn.RefreshToken,
		formatTimePtr(conn.ExpiresAt), formatTime(conn.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting integration connection: %w", err)
	}
	return nil
}

// --- helpers ---

// requireRowAffected converts a zero-row UPDATE into ErrNotFound.
func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the error string
	return strings.Contains(err.Error(), "constraint failed")
}
