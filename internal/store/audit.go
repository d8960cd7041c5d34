package store

import (
	"fmt"
	"time"
)

// AuditEntry is one persisted connection-lifecycle event (connect, rejected
// connect, disconnect, resume rejection), grounded on the teacher's
// store/log.go task_log table adapted from per-task events. Routed
// envelopes are not audited.
type AuditEntry struct {
	ID         int64
	Ts         time.Time
	Event      string
	AgentFrom  *string
	AgentTo    *string
	EnvelopeID *string
	Detail     *string
}

func (s *Store) AppendAudit(event string, from, to, envelopeID, detail *string) error {
	_, err := s.db.Exec(`INSERT INTO audit_log (event, agent_from, agent_to, envelope_id, detail)
		VALUES (?, ?, ?, ?, ?)`, event, from, to, envelopeID, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAuditSince(since time.Time, limit int) ([]*AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, ts, event, agent_from, agent_to, envelope_id, detail
		FROM audit_log WHERE ts >= ? ORDER BY ts DESC LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Ts, &e.Event, &e.AgentFrom, &e.AgentTo, &e.EnvelopeID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
