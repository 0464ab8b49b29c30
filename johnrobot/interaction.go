package johnrobot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Interaction carries the Discord-side bookkeeping for a slash command,
// button click or modal submission. It's embedded in [AskCommand], so a
// command row always knows its interaction token (and when that token
// stops being usable for edits and followups).
type Interaction struct {
	UserID           string     `json:"user_id" gorm:"index;not null;default:null"`
	InteractionID    string     `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	DiscordMessageID string     `json:"discord_message_id" gorm:"type:string"`
	Token            string     `json:"token" gorm:"type:string"`
	TokenExpires     int64      `json:"token_expires"`
	AppID            string     `json:"application_id"`
	Type             string     `json:"type"`
	GuildID          string     `json:"guild_id"`
	ChannelID        string     `json:"channel_id"`
	CommandContext   string     `json:"context" gorm:"type:string"`
	Content          string     `json:"content" gorm:"type:string"`
	User             *User      `json:"user" gorm:"->"`
	StartedAt        *time.Time `json:"started_at" gorm:"type:timestamp"`

	FinishedAt   *time.Time `json:"finished_at" gorm:"type:timestamp"`
	Acknowledged bool       `json:"acknowledged"`

	// Response is the text the user ended up seeing - the answer on
	// success, or the error/warning message otherwise
	Response *string `json:"response" gorm:"type:string"`

	// Error holds any errors hit while executing the command
	Error NullableString `json:"error"`
}

// NewUserInteraction populates an Interaction from an incoming Discord
// event. The raw event is kept on Content for later inspection, and the
// token expiry is stamped up front so expired commands can be detected
// without re-deriving it.
func NewUserInteraction(i *discordgo.InteractionCreate, u *User) *Interaction {
	now := time.Now().UTC()
	in := &Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   now.Add(discordInteractionTokenLifespan).UnixMilli(),
		AppID:          i.AppID,
		Type:           i.Type.String(),
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: i.Context.String(),
	}
	if u != nil {
		in.User = u
		in.UserID = u.ID
	}

	raw, err := json.Marshal(i)
	if err != nil {
		slog.Default().Error(
			"error marshaling json",
			tint.Err(err),
			"interaction", in,
		)
	}
	in.Content = string(raw)

	return in
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, i.UserID),
		slog.String(columnAskCommandInteractionID, i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("app_id", i.AppID),
		slog.String("type", i.Type),
		slog.String("command_context", i.CommandContext),
	)
}

// InteractionLog records every interaction payload we receive, before
// any routing or handling - even ones that end up ignored. One row per
// incoming event.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	payload, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(payload),
		Method:        handler.InteractionReceiveMethod(),
	}, nil
}

// NullableString stores as SQL NULL and marshals as JSON null when
// empty, so empty error columns don't read as empty-string errors.
type NullableString string

func (ns NullableString) String() string {
	return string(ns)
}

func (ns NullableString) GoString() string {
	return string(ns)
}

func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return errors.New("failed to cast to string")
	}
	*ns = NullableString(s)
	return nil
}

func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}
