package commands

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streambot/backend/db"
)

// ErrNoPermission rejects a command restricted to moderators.
var ErrNoPermission = errors.New("you need moderator permissions to use this command")

// CooldownError rejects a command invoked before its cooldown elapsed.
type CooldownError struct {
	RemainingSeconds int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("command on cooldown, try again in %d seconds", e.RemainingSeconds)
}

// InsufficientPointsError rejects a costed command the user cannot afford.
type InsufficientPointsError struct {
	Cost int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("you need %d points to use this command", e.Cost)
}

// IsRejection reports whether err is an expected evaluation rejection rather
// than an infrastructure failure.
func IsRejection(err error) bool {
	var cd *CooldownError
	var ip *InsufficientPointsError
	return errors.Is(err, ErrNoPermission) || errors.As(err, &cd) || errors.As(err, &ip)
}

// Spender deducts points only when the balance covers the cost.
type Spender interface {
	Spend(ctx context.Context, youtubeID string, cost int) (bool, error)
}

// Result is a successful command execution.
type Result struct {
	Response string `json:"response"`
	Command  string `json:"command"`
	User     string `json:"user"`
}

// Engine evaluates chat commands against the store and the points ledger.
type Engine struct {
	Store  *Store
	Ledger Spender
	Now    func() time.Time
}

func NewEngine(store *Store, ledger Spender) *Engine {
	return &Engine{Store: store, Ledger: ledger, Now: time.Now}
}

// Process evaluates one invocation. An unknown or inactive command returns
// (nil, nil). Rejections (cooldown, permission, cost) come back as typed
// errors recognizable via IsRejection; anything else is an infrastructure
// failure.
//
// The usage commit is a cooldown-guarded conditional update, so two racing
// invocations of the same command cannot both pass the cooldown gate.
func (e *Engine) Process(ctx context.Context, channel string, user *db.User, name string, args []string) (*Result, error) {
	cmd, err := e.Store.Get(ctx, channel, name)
	if err != nil {
		return nil, err
	}
	if cmd == nil || !cmd.IsActive {
		return nil, nil
	}

	now := e.Now()
	if rem := cooldownRemaining(cmd, now); rem > 0 {
		return nil, &CooldownError{RemainingSeconds: rem}
	}

	if cmd.Permissions == "moderator" && !user.IsModerator {
		return nil, ErrNoPermission
	}

	if cmd.Cost > 0 && user.Points < cmd.Cost {
		return nil, &InsufficientPointsError{Cost: cmd.Cost}
	}

	// Placeholders see the balance before the cost is deducted.
	response := strings.NewReplacer(
		"{user}", user.DisplayName,
		"{points}", strconv.Itoa(user.Points),
		"{args}", strings.Join(args, " "),
		"{channel}", channel,
	).Replace(cmd.Response)

	committed, err := e.commitUsage(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	if !committed {
		// Another invocation won the race; re-read for an accurate countdown.
		fresh, err := e.Store.Get(ctx, channel, cmd.Name)
		if err != nil {
			return nil, err
		}
		rem := 1
		if fresh != nil {
			if r := cooldownRemaining(fresh, e.Now()); r > 0 {
				rem = r
			}
		}
		return nil, &CooldownError{RemainingSeconds: rem}
	}

	if cmd.Cost > 0 {
		ok, err := e.Ledger.Spend(ctx, user.YoutubeID, cmd.Cost)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &InsufficientPointsError{Cost: cmd.Cost}
		}
	}

	return &Result{Response: response, Command: cmd.Name, User: user.DisplayName}, nil
}

// commitUsage bumps usage and last_used only if the cooldown has elapsed.
func (e *Engine) commitUsage(ctx context.Context, id int64) (bool, error) {
	res, err := e.Store.DB.ExecContext(ctx, `
		UPDATE commands
		SET usage_count = usage_count + 1, last_used = NOW(), updated_at = NOW()
		WHERE id = $1
			AND (last_used IS NULL
				OR last_used <= NOW() - make_interval(secs => cooldown_seconds))`, id)
	if err != nil {
		return false, fmt.Errorf("commit command usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func cooldownRemaining(cmd *Command, now time.Time) int {
	if cmd.CooldownSeconds <= 0 || !cmd.LastUsed.Valid {
		return 0
	}
	elapsed := now.Sub(cmd.LastUsed.Time)
	remaining := time.Duration(cmd.CooldownSeconds)*time.Second - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}
