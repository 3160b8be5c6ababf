// Package commands implements chat command storage and the evaluation engine.
// Commands are channel-scoped, case-insensitive by name, and carry a cost,
// cooldown, and permission level. Evaluation order is lookup, cooldown,
// permission, cost, template substitution, then commit.
package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("command not found")

// Command is one stored chat command.
type Command struct {
	ID              int64        `json:"id"`
	Channel         string       `json:"channel"`
	Name            string       `json:"name"`
	Response        string       `json:"response"`
	Cost            int          `json:"cost"`
	CooldownSeconds int          `json:"cooldownSeconds"`
	Permissions     string       `json:"permissions"`
	IsActive        bool         `json:"isActive"`
	UsageCount      int          `json:"usageCount"`
	LastUsed        sql.NullTime `json:"-"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Input carries the user-editable fields of a command.
type Input struct {
	Name            string `json:"name"`
	Response        string `json:"response"`
	Cost            int    `json:"cost"`
	CooldownSeconds int    `json:"cooldownSeconds"`
	Permissions     string `json:"permissions"`
}

func (in *Input) normalize() {
	in.Name = strings.ToLower(strings.TrimSpace(in.Name))
	if in.Permissions == "" {
		in.Permissions = "everyone"
	}
}

// Store owns command persistence.
type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

const commandCols = `id, channel, name, response, cost, cooldown_seconds, permissions, is_active, usage_count, last_used, created_at`

func scanCommand(row interface{ Scan(...any) error }) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.Channel, &c.Name, &c.Response, &c.Cost, &c.CooldownSeconds,
		&c.Permissions, &c.IsActive, &c.UsageCount, &c.LastUsed, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new command with zero usage.
func (s *Store) Create(ctx context.Context, channel string, in Input) (*Command, error) {
	in.normalize()
	if in.Name == "" || in.Response == "" {
		return nil, fmt.Errorf("command name and response are required")
	}
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO commands (channel, name, response, cost, cooldown_seconds, permissions)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING `+commandCols,
		channel, in.Name, in.Response, in.Cost, in.CooldownSeconds, in.Permissions)
	c, err := scanCommand(row)
	if err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	return c, nil
}

// List returns all commands for a channel.
func (s *Store) List(ctx context.Context, channel string) ([]Command, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+commandCols+` FROM commands WHERE channel = $1 ORDER BY name`, channel)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get returns the named command or nil when it does not exist.
func (s *Store) Get(ctx context.Context, channel, name string) (*Command, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+commandCols+` FROM commands WHERE channel = $1 AND name = $2`,
		channel, strings.ToLower(name))
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return c, nil
}

// Update replaces the editable fields of a command.
func (s *Store) Update(ctx context.Context, channel, name string, in Input) (*Command, error) {
	in.normalize()
	row := s.DB.QueryRowContext(ctx, `
		UPDATE commands
		SET response = $3, cost = $4, cooldown_seconds = $5, permissions = $6, updated_at = NOW()
		WHERE channel = $1 AND name = $2
		RETURNING `+commandCols,
		channel, strings.ToLower(name), in.Response, in.Cost, in.CooldownSeconds, in.Permissions)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update command: %w", err)
	}
	return c, nil
}

// Delete removes a command.
func (s *Store) Delete(ctx context.Context, channel, name string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM commands WHERE channel = $1 AND name = $2`, channel, strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Toggle flips a command's active flag and returns the updated row.
func (s *Store) Toggle(ctx context.Context, channel, name string) (*Command, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE commands SET is_active = NOT is_active, updated_at = NOW()
		WHERE channel = $1 AND name = $2
		RETURNING `+commandCols, channel, strings.ToLower(name))
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("toggle command: %w", err)
	}
	return c, nil
}

// UsageStats aggregates command usage for a channel.
type UsageStats struct {
	TotalCommands  int `json:"totalCommands"`
	TotalUsage     int `json:"totalUsage"`
	ActiveCommands int `json:"activeCommands"`
}

// Stats returns channel-wide command aggregates.
func (s *Store) Stats(ctx context.Context, channel string) (*UsageStats, error) {
	var st UsageStats
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(usage_count), 0), COUNT(*) FILTER (WHERE is_active)
		FROM commands WHERE channel = $1`, channel).
		Scan(&st.TotalCommands, &st.TotalUsage, &st.ActiveCommands)
	if err != nil {
		return nil, fmt.Errorf("command stats: %w", err)
	}
	return &st, nil
}

// MostUsed returns the top commands by usage count.
func (s *Store) MostUsed(ctx context.Context, channel string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+commandCols+` FROM commands WHERE channel = $1
		 ORDER BY usage_count DESC, name LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("most used commands: %w", err)
	}
	defer rows.Close()
	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
