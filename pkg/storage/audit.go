package storage

import (
	"time"
)

const timeFormat = "2006-01-02 15:04:05.000"

// DecisionEntry records one policy evaluation.
type DecisionEntry struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	CallID      string    `json:"call_id"`
	ToolName    string    `json:"tool_name"`
	ToolArgs    string    `json:"tool_args"` // canonical serialization
	Decision    string    `json:"decision"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ExecutionEntry records one terminal tool call.
type ExecutionEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id"`
	ToolName   string    `json:"tool_name"`
	ToolArgs   string    `json:"tool_args"`
	Status     string    `json:"status"` // success, error, cancelled
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}

// LogDecision appends a policy decision to the audit trail.
func (s *Store) LogDecision(entry *DecisionEntry) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	if entry.EvaluatedAt.IsZero() {
		entry.EvaluatedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO policy_decisions (session_id, call_id, tool_name, tool_args, decision, matched_rule, tier, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SessionID,
		entry.CallID,
		entry.ToolName,
		entry.ToolArgs,
		entry.Decision,
		entry.MatchedRule,
		entry.Tier,
		entry.EvaluatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return err
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// LogExecution appends a terminal tool call to the audit trail.
func (s *Store) LogExecution(entry *ExecutionEntry) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO tool_executions (session_id, call_id, tool_name, tool_args, status, error, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SessionID,
		entry.CallID,
		entry.ToolName,
		entry.ToolArgs,
		entry.Status,
		entry.Error,
		entry.DurationMs,
		entry.ExecutedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return err
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// RecentDecisions returns the newest decisions for a session, most
// recent first. An empty sessionID returns decisions across sessions.
func (s *Store) RecentDecisions(sessionID string, limit int) ([]*DecisionEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, call_id, tool_name, tool_args, decision, matched_rule, tier, evaluated_at
		FROM policy_decisions
	`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*DecisionEntry
	for rows.Next() {
		var entry DecisionEntry
		var evaluatedAt string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.CallID, &entry.ToolName,
			&entry.ToolArgs, &entry.Decision, &entry.MatchedRule, &entry.Tier, &evaluatedAt); err != nil {
			return nil, err
		}
		entry.EvaluatedAt, _ = time.Parse(timeFormat, evaluatedAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// RecentExecutions returns the newest terminal tool calls for a session,
// most recent first. An empty sessionID returns executions across
// sessions.
func (s *Store) RecentExecutions(sessionID string, limit int) ([]*ExecutionEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, call_id, tool_name, tool_args, status, error, duration_ms, executed_at
		FROM tool_executions
	`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ExecutionEntry
	for rows.Next() {
		var entry ExecutionEntry
		var executedAt string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.CallID, &entry.ToolName,
			&entry.ToolArgs, &entry.Status, &entry.Error, &entry.DurationMs, &executedAt); err != nil {
			return nil, err
		}
		entry.ExecutedAt, _ = time.Parse(timeFormat, executedAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
