// internal/store/sqlite.go

// Package store implements the persistent conversation/message/tool storage
// contract on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/flowgate/internal/types"
)

const timeLayout = time.RFC3339Nano

// SQLite implements types.ConversationStore.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and runs migrations.
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// In-memory SQLite creates a separate database per connection; keep a
	// single one so the schema survives across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			channel_user_id TEXT NOT NULL,
			flow_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata TEXT,
			last_activity TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		// One conversation per (channel, user, flow): concurrent webhooks
		// racing on creation degrade to a constraint error instead of
		// duplicate rows.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_binding
			ON conversations(channel, channel_user_id, flow_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			source_namespace TEXT NOT NULL DEFAULT '',
			source_case_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_idempotency ON messages(conversation_id, idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			executed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_executions_conversation ON tool_executions(conversation_id, executed_at)`,
		`CREATE TABLE IF NOT EXISTS tool_definitions (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			parameters TEXT,
			handler_kind TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			connector_config TEXT,
			permissions TEXT,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS channel_configs (
			id TEXT PRIMARY KEY,
			channel_type TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			system_prompt TEXT NOT NULL DEFAULT '',
			enabled_tools TEXT,
			rules TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS analytics_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- conversations ---

func (s *SQLite) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		conv.ID = types.NewConversationID()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = now
	}
	if conv.Status == "" {
		conv.Status = types.ConversationActive
	}

	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel, channel_user_id, flow_id, status, metadata, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(conv.ID), conv.Channel, conv.ChannelUserID, string(conv.FlowID), conv.Status,
		metadata, conv.LastActivity.Format(timeLayout), conv.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	metadata, err := marshalJSON(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, metadata = ?, last_activity = ? WHERE id = ?`,
		conv.Status, metadata, time.Now().UTC().Format(timeLayout), string(conv.ID))
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *SQLite) TouchConversation(ctx context.Context, id types.ConversationID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), string(id))
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *SQLite) ConversationByFlow(ctx context.Context, channel, userID string, flowID types.FlowID) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, channel_user_id, flow_id, status, metadata, last_activity, created_at
		FROM conversations
		WHERE channel = ? AND channel_user_id = ? AND flow_id = ?
		ORDER BY last_activity DESC LIMIT 1`,
		channel, userID, string(flowID))
	return scanConversation(row)
}

func (s *SQLite) LatestConversation(ctx context.Context, channel, userID string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, channel_user_id, flow_id, status, metadata, last_activity, created_at
		FROM conversations
		WHERE channel = ? AND channel_user_id = ?
		ORDER BY last_activity DESC LIMIT 1`,
		channel, userID)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var conv types.Conversation
	var id, flowID, metadata, lastActivity, createdAt string
	err := row.Scan(&id, &conv.Channel, &conv.ChannelUserID, &flowID, &conv.Status, &metadata, &lastActivity, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.ID = types.ConversationID(id)
	conv.FlowID = types.FlowID(flowID)
	if err := unmarshalJSON(metadata, &conv.Metadata); err != nil {
		return nil, err
	}
	conv.LastActivity, _ = time.Parse(timeLayout, lastActivity)
	conv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &conv, nil
}

// --- messages ---

func (s *SQLite) InsertMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, provider_message_id, idempotency_key, source_namespace, source_case_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ConversationID), msg.Role, msg.Content,
		msg.ProviderMessageID, msg.IdempotencyKey, msg.SourceNamespace, msg.SourceCaseID,
		msg.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLite) HasProviderMessage(ctx context.Context, channel, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.channel = ? AND m.provider_message_id = ?`,
		channel, providerMessageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check provider message: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) MessageByIdempotencyKey(ctx context.Context, convID types.ConversationID, key string) (*types.Message, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, provider_message_id, idempotency_key, source_namespace, source_case_id, created_at
		FROM messages
		WHERE conversation_id = ? AND idempotency_key = ?
		LIMIT 1`,
		string(convID), key)
	return scanMessage(row)
}

func (s *SQLite) RecentMessages(ctx context.Context, convID types.ConversationID, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, provider_message_id, idempotency_key, source_namespace, source_case_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		string(convID), limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
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
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var id, convID, createdAt string
	err := row.Scan(&id, &convID, &msg.Role, &msg.Content, &msg.ProviderMessageID,
		&msg.IdempotencyKey, &msg.SourceNamespace, &msg.SourceCaseID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ID = types.MessageID(id)
	msg.ConversationID = types.ConversationID(convID)
	msg.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &msg, nil
}

// --- tool executions / analytics ---

func (s *SQLite) InsertToolExecution(ctx context.Context, convID types.ConversationID, exec *types.ToolExecution) error {
	params, err := marshalJSON(exec.Parameters)
	if err != nil {
		return err
	}
	result, err := marshalJSON(exec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, conversation_id, tool_name, parameters, status, result, error, execution_time_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(exec.ID), string(convID), exec.ToolName, params, string(exec.Status),
		result, exec.Error, exec.ExecutionTimeMs, exec.ExecutedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

// ToolExecutions returns the executions recorded for a conversation in
// execution order. Debug API use.
func (s *SQLite) ToolExecutions(ctx context.Context, convID types.ConversationID) ([]*types.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, parameters, status, result, error, execution_time_ms, executed_at
		FROM tool_executions WHERE conversation_id = ? ORDER BY executed_at`,
		string(convID))
	if err != nil {
		return nil, fmt.Errorf("query tool executions: %w", err)
	}
	defer rows.Close()

	var out []*types.ToolExecution
	for rows.Next() {
		var exec types.ToolExecution
		var id, params, status, result, executedAt string
		if err := rows.Scan(&id, &exec.ToolName, &params, &status, &result, &exec.Error, &exec.ExecutionTimeMs, &executedAt); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		exec.ID = types.ExecutionID(id)
		exec.Status = types.ExecutionStatus(status)
		if err := unmarshalJSON(params, &exec.Parameters); err != nil {
			return nil, err
		}
		if result != "" {
			var v any
			if err := json.Unmarshal([]byte(result), &v); err == nil {
				exec.Result = v
			}
		}
		exec.ExecutedAt, _ = time.Parse(timeLayout, executedAt)
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertAnalyticsEvent(ctx context.Context, name string, payload map[string]any) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analytics_events (name, payload, created_at) VALUES (?, ?, ?)`,
		name, data, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

// --- flows ---

func (s *SQLite) Flow(ctx context.Context, id types.FlowID) (*types.Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, system_prompt, enabled_tools, rules FROM flows WHERE id = ?`,
		string(id))
	flow, err := scanFlow(row)
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (s *SQLite) ActiveFlows(ctx context.Context) ([]*types.Flow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active, system_prompt, enabled_tools, rules FROM flows WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var out []*types.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}

func scanFlow(row rowScanner) (*types.Flow, error) {
	var flow types.Flow
	var id, enabledTools, rules string
	err := row.Scan(&id, &flow.Name, &flow.Active, &flow.SystemPrompt, &enabledTools, &rules)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	flow.ID = types.FlowID(id)
	if err := unmarshalJSON(enabledTools, &flow.EnabledTools); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rules, &flow.Rules); err != nil {
		return nil, err
	}
	return &flow, nil
}

// UpsertFlow writes a flow row. Admin/test surface.
func (s *SQLite) UpsertFlow(ctx context.Context, flow *types.Flow) error {
	enabledTools, err := marshalJSON(flow.EnabledTools)
	if err != nil {
		return err
	}
	rules, err := marshalJSON(flow.Rules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, active, system_prompt, enabled_tools, rules)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, active = excluded.active,
			system_prompt = excluded.system_prompt,
			enabled_tools = excluded.enabled_tools, rules = excluded.rules`,
		string(flow.ID), flow.Name, flow.Active, flow.SystemPrompt, enabledTools, rules)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

// --- channel configs ---

func (s *SQLite) ChannelConfigs(ctx context.Context, channelType string) ([]*types.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_type, instance_id, account_id, phone_number, name, active
		FROM channel_configs WHERE channel_type = ? AND active = 1 ORDER BY id`,
		channelType)
	if err != nil {
		return nil, fmt.Errorf("query channel configs: %w", err)
	}
	defer rows.Close()

	var out []*types.ChannelConfig
	for rows.Next() {
		var cc types.ChannelConfig
		if err := rows.Scan(&cc.ID, &cc.ChannelType, &cc.InstanceID, &cc.AccountID, &cc.PhoneNumber, &cc.Name, &cc.Active); err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		out = append(out, &cc)
	}
	return out, rows.Err()
}

// UpsertChannelConfig writes a channel config row. Admin/test surface.
func (s *SQLite) UpsertChannelConfig(ctx context.Context, cc *types.ChannelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (id, channel_type, instance_id, account_id, phone_number, name, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_type = excluded.channel_type, instance_id = excluded.instance_id,
			account_id = excluded.account_id, phone_number = excluded.phone_number,
			name = excluded.name, active = excluded.active`,
		cc.ID, cc.ChannelType, cc.InstanceID, cc.AccountID, cc.PhoneNumber, cc.Name, cc.Active)
	if err != nil {
		return fmt.Errorf("upsert channel config: %w", err)
	}
	return nil
}

// --- tool definitions ---

func (s *SQLite) ActiveToolRecords(ctx context.Context) ([]*types.ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, parameters, handler_kind, source, connector_config, permissions, active
		FROM tool_definitions WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query tool definitions: %w", err)
	}
	defer rows.Close()

	var out []*types.ToolRecord
	for rows.Next() {
		var rec types.ToolRecord
		var params, connectorConfig, permissions string
		if err := rows.Scan(&rec.Name, &rec.Description, &params, &rec.HandlerKind, &rec.Source, &connectorConfig, &permissions, &rec.Active); err != nil {
			return nil, fmt.Errorf("scan tool definition: %w", err)
		}
		if params != "" {
			rec.Parameters = json.RawMessage(params)
		}
		if err := unmarshalJSON(connectorConfig, &rec.ConnectorConfig); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(permissions, &rec.Permissions); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// UpsertToolRecord writes a tool definition row. Admin/test surface.
func (s *SQLite) UpsertToolRecord(ctx context.Context, rec *types.ToolRecord) error {
	connectorConfig, err := marshalJSON(rec.ConnectorConfig)
	if err != nil {
		return err
	}
	permissions, err := marshalJSON(rec.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_definitions (name, description, parameters, handler_kind, source, connector_config, permissions, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description, parameters = excluded.parameters,
			handler_kind = excluded.handler_kind, source = excluded.source,
			connector_config = excluded.connector_config,
			permissions = excluded.permissions, active = excluded.active`,
		rec.Name, rec.Description, string(rec.Parameters), rec.HandlerKind, rec.Source,
		connectorConfig, permissions, rec.Active)
	if err != nil {
		return fmt.Errorf("upsert tool definition: %w", err)
	}
	return nil
}

// --- debug API ---

// ConversationSummary is a row for the debug conversation listing.
type ConversationSummary struct {
	ID           types.ConversationID `json:"id"`
	Channel      string               `json:"channel"`
	UserID       string               `json:"user_id"`
	FlowID       types.FlowID         `json:"flow_id,omitempty"`
	Status       string               `json:"status"`
	MessageCount int64                `json:"message_count"`
	LastActivity time.Time            `json:"last_activity"`
}

// RecentConversations lists the most recently active conversations.
func (s *SQLite) RecentConversations(ctx context.Context, limit int) ([]*ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.channel, c.channel_user_id, c.flow_id, c.status, c.last_activity,
			(SELECT COUNT(1) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var id, flowID, lastActivity string
		if err := rows.Scan(&id, &cs.Channel, &cs.UserID, &flowID, &cs.Status, &lastActivity, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		cs.ID = types.ConversationID(id)
		cs.FlowID = types.FlowID(flowID)
		cs.LastActivity, _ = time.Parse(timeLayout, lastActivity)
		out = append(out, &cs)
	}
	return out, rows.Err()
}

// --- helpers ---

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}
