package store

import (
	"database/sql"
	"fmt"
)

// Checkpoint records one agent's last-acked delivery sequence as of its
// last disconnect. It survives a daemon restart, but no replay window is
// rebuilt from it: a resume after a restart is still refused, and a
// matching checkpoint only selects the audit event logged for the refusal.
type Checkpoint struct {
	AgentName string
	SessionID string
	LastAcked uint64
}

func (s *Store) SaveCheckpoint(c *Checkpoint) error {
	_, err := s.db.Exec(`INSERT INTO session_checkpoints (agent_name, session_id, last_acked)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET
			session_id = excluded.session_id,
			last_acked = excluded.last_acked,
			updated_at = CURRENT_TIMESTAMP`,
		c.AgentName, c.SessionID, c.LastAcked)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(agentName string) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := s.db.QueryRow(`SELECT agent_name, session_id, last_acked FROM session_checkpoints WHERE agent_name = ?`, agentName).
		Scan(&c.AgentName, &c.SessionID, &c.LastAcked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return c, nil
}
