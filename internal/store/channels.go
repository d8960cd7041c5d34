package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Channel is the crash-survival record of one named channel (spec §4.4);
// membership and in-memory fan-out state live in the registry, the store
// only persists what must survive a daemon restart.
type Channel struct {
	Name       string
	Visibility string
	CreatedBy  *string
	CreatedAt  time.Time
	Archived   bool
}

func (s *Store) UpsertChannel(c *Channel) error {
	_, err := s.db.Exec(`INSERT INTO channels (name, visibility, created_by, archived)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			visibility = excluded.visibility,
			archived = excluded.archived`,
		c.Name, c.Visibility, c.CreatedBy, c.Archived)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	return nil
}

func (s *Store) GetChannel(name string) (*Channel, error) {
	c := &Channel{}
	err := s.db.QueryRow(`SELECT name, visibility, created_by, created_at, archived
		FROM channels WHERE name = ?`, name).Scan(&c.Name, &c.Visibility, &c.CreatedBy, &c.CreatedAt, &c.Archived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

func (s *Store) ListChannels() ([]*Channel, error) {
	rows, err := s.db.Query(`SELECT name, visibility, created_by, created_at, archived FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []*Channel
	for rows.Next() {
		c := &Channel{}
		if err := rows.Scan(&c.Name, &c.Visibility, &c.CreatedBy, &c.CreatedAt, &c.Archived); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AddChannelMember(channel, agent string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO channel_members (channel, agent) VALUES (?, ?)`, channel, agent)
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

func (s *Store) RemoveChannelMember(channel, agent string) error {
	_, err := s.db.Exec(`DELETE FROM channel_members WHERE channel = ? AND agent = ?`, channel, agent)
	if err != nil {
		return fmt.Errorf("remove channel member: %w", err)
	}
	return nil
}

func (s *Store) ListChannelMembers(channel string) ([]string, error) {
	rows, err := s.db.Query(`SELECT agent FROM channel_members WHERE channel = ? ORDER BY agent`, channel)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}
