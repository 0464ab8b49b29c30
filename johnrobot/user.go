package johnrobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

const (
	columnUserIgnored    = "ignored"
	columnUserContent    = "content"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a Discord user as the bot last saw them, plus their
// bot-specific state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// Mirrored from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Bot marks Discord bot users. Bots are ignored by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// Content is the raw discord user object, as JSON
	Content string `json:"content" gorm:"type:string"`

	//
	// Bot-specific state
	//

	// Ignored drops any AskCommand requests from this user
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user appeared in an interaction,
	// whether a slash command, a button click or a modal
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// Per-user Gemini settings
	GeminiSettings

	ModelUnixTime
}

func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Ignored:    u.Bot,
		Content:    string(content),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}, err
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// TokenUsageSince sums AskCommand.UsageTotalTokens for this user's
// commands created at or after the given time.
func (u *User) TokenUsageSince(db *gorm.DB, since time.Time) (int64, error) {
	var total int64
	err := db.Model(&AskCommand{}).Select("sum(usage_total_tokens) as total").Where(
		"user_id = ? AND created_at >= ?",
		u.ID,
		since.UnixMilli(),
	).First(&total).Error
	return total, err
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	}
	if u.GeminiDefaultModel != "" {
		attrs = append(
			attrs,
			slog.String(columnRuntimeConfigGeminiDefaultModel, u.GeminiDefaultModel),
		)
	}
	if u.DefaultPersonality != "" {
		attrs = append(
			attrs,
			slog.String(columnRuntimeConfigDefaultPersonality, u.DefaultPersonality),
		)
	}

	return slog.GroupValue(attrs...)
}

// userChangedDiscordUsername reports whether the given Discord user
// object carries a different username or display name than the stored
// record, so profile changes don't go stale in the database.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return d.Username != u.Username || d.GlobalName != u.GlobalName
}

// getStats tallies this user's command usage: how many AskCommands
// they've run, how many of those were follow-ups, and the total Gemini
// tokens consumed. Partial results are returned even when some of the
// queries fail, along with the joined errors.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	var errs []error

	countCommands := func(name string, query string) int {
		var n int64
		err := db.WithContext(ctx).Unscoped().Model(&AskCommand{}).Where(
			query,
			u.ID,
		).Count(&n).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("error getting %s stats: %w", name, err))
		}
		return int(n)
	}

	s := UserStats{
		AskCommands: countCommands("ask command", "user_id = ?"),
		FollowUps: countCommands(
			"follow-up",
			"user_id = ? AND parent_id IS NOT NULL",
		),
	}

	tokens, err := u.TokenUsageSince(db.WithContext(ctx), time.UnixMilli(0))
	if err != nil {
		errs = append(errs, fmt.Errorf("error getting token usage: %w", err))
	}
	s.TotalTokens = tokens

	return s, errors.Join(errs...)
}

type UserStats struct {
	AskCommands int   `json:"ask_commands"`
	FollowUps   int   `json:"follow_ups"`
	TotalTokens int64 `json:"total_tokens"`
}
