package johnrobot

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	columnRuntimeConfigAdminUsername = "admin_username"

	columnRuntimeConfigGeminiDefaultModel           = "gemini_default_model"
	columnRuntimeConfigDefaultPersonality           = "default_personality"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigPaused                       = "paused"
)

// Tests reassign this to simulate database update failures, so it's a
// var rather than a const.
var columnRuntimeConfigAdminPassword = "admin_password"

// RuntimeConfig is the bot state that can be changed while running and
// survives restarts: pause state, log levels, slash command text,
// follow-up behavior and admin credentials. It lives in the database
// (table `config`) so an admin API update on one instance reaches the
// others via [DBNotifier], and so a deliberately paused bot stays
// paused across a crash.
//
// Static settings that require a restart belong in [Config] instead.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused stops command processing without disconnecting
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordGatewayEnabled opens the gateway websocket connection.
	// Receiving slash commands over the gateway requires it; webhook-only
	// bots may still want it so the bot appears online with a status.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the status message shown under the bot's name
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// AskCommandDescription is shown in the Discord client's command picker
	AskCommandDescription string `json:"ask_command_description" gorm:"default:Ask Gemini a question!" binding:"min=1,max=100"`

	// AskCommandOptionDescription describes the command's prompt option
	AskCommandOptionDescription string `json:"ask_command_option_description" gorm:"default:The question you want to ask" binding:"min=1,max=100"`

	// AskCommandMaxLength caps the prompt length. 0 leaves Discord's own
	// limit in place.
	AskCommandMaxLength int `json:"ask_command_max_length" gorm:"default:0" binding:"omitempty,min=0,max=6000"`

	// GeminiMaxRequestsPerSecond rate-limits content generation API calls
	GeminiMaxRequestsPerSecond int `gorm:"column:gemini_max_requests_per_second;default:1" json:"gemini_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the backend API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword holds the admin user's hashed password
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// Log levels per component. These map onto the [Config] level vars
	// whenever the runtime config is loaded or updated.

	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	GeminiLogLevel DBLogLevel `gorm:"default:INFO;column:gemini_log_level;type:string;check:gemini_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"gemini_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	info := DBLogLevel(slog.LevelInfo.String())
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			GeminiSettings: GeminiSettings{
				GeminiDefaultModel: defaultGeminiModel(),
			},
			FollowupEnabled:          true,
			FollowupModalTitle:       DefaultFollowupModalTitle,
			FollowupModalInputLabel:  DefaultFollowupModalInputLabel,
			FollowupModalPlaceholder: DefaultFollowupModalPlaceholder,
			FollowupModalMaxLength:   DefaultFollowupModalMaxLength,
			DiscordErrorMessage:      DefaultDiscordErrorMessage,
		},
		AskCommandDescription:       DefaultDiscordAskCommandDescription,
		AskCommandOptionDescription: DefaultDiscordPromptOptionDescription,
		GeminiMaxRequestsPerSecond:  DefaultGeminiMaxRequestsPerSecond,
		LogLevel:                    info,
		GeminiLogLevel:              info,
		DiscordLogLevel:             info,
		DiscordGoLogLevel:           info,
		DatabaseLogLevel:            info,
		DiscordWebhookLogLevel:      info,
		APILogLevel:                 info,
	}
}

// runtimeConfigValueChanged reports whether an update payload field is
// set, and set to something other than the current config value. Update
// fields are pointers; nil means "leave unchanged".
func runtimeConfigValueChanged(current, update any) bool {
	ref := reflect.ValueOf(update)
	if ref.Kind() != reflect.Ptr || ref.IsNil() {
		return false
	}
	return !reflect.DeepEqual(current, ref.Elem().Interface())
}

// updateUsersFromRuntimeConfig pushes changed default-setting fields
// from a runtime config update down to User records. Only users whose
// value still matches the old default are touched, so a global update
// doesn't clobber per-user overrides.
func updateUsersFromRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
	currentConfig *RuntimeConfig,
) error {
	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = slog.Default()
	}

	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			propagate := func(updateVal any, currentVal any, column string) error {
				if !runtimeConfigValueChanged(currentVal, updateVal) {
					return nil
				}
				log.InfoContext(
					ctx,
					"globally updating user field",
					"field", column,
					"current", currentVal,
					"new", updateVal,
				)
				err := tx.Model(&User{}).Where(
					column+" = ?",
					currentVal,
				).Update(column, updateVal).Error
				if err != nil {
					log.Error(
						"error updating user records",
						tint.Err(err),
						"field", column,
					)
				}
				return err
			}

			if err := propagate(
				update.GeminiDefaultModel,
				currentConfig.GeminiDefaultModel,
				columnRuntimeConfigGeminiDefaultModel,
			); err != nil {
				return err
			}
			return propagate(
				update.DefaultPersonality,
				currentConfig.DefaultPersonality,
				columnRuntimeConfigDefaultPersonality,
			)
		},
	)
}

// RuntimeConfigUpdate is the payload for runtime config updates via the
// admin API. All fields are optional; nil leaves the current value
// unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	FollowupEnabled          *bool   `json:"followup_enabled,omitempty"`
	FollowupModalTitle       *string `json:"followup_modal_title,omitempty" binding:"omitnil,min=1,max=45"`
	FollowupModalInputLabel  *string `json:"followup_modal_input_label,omitempty" binding:"omitnil,min=1,max=45"`
	FollowupModalPlaceholder *string `json:"followup_modal_placeholder,omitempty" binding:"omitnil,min=0,max=100"`
	FollowupModalMaxLength   *int    `json:"followup_modal_max_length,omitempty" binding:"omitnil,min=1,max=4000"`

	AskCommandDescription       *string `json:"ask_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	AskCommandOptionDescription *string `json:"ask_command_option_description,omitempty" binding:"omitnil,min=1,max=100"`
	AskCommandMaxLength         *int    `json:"ask_command_max_length,omitempty" binding:"omitnil,min=0,max=6000"`

	GeminiDefaultModel         *string `json:"gemini_default_model,omitempty"`
	DefaultPersonality         *string `json:"default_personality,omitempty"`
	GeminiMaxRequestsPerSecond *int    `json:"gemini_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=30000"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	GeminiLogLevel         *DBLogLevel `json:"gemini_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// validateRuntimeUpdateLimits is a struct-level validation for
// RuntimeConfigUpdate, checking fields whose valid values aren't
// expressible as tags.
func validateRuntimeUpdateLimits(field reflect.Value) any {
	value, ok := field.Interface().(RuntimeConfigUpdate)
	if !ok {
		return nil
	}
	if value.GeminiDefaultModel != nil {
		if modelID := *value.GeminiDefaultModel; !validGeminiModel(modelID) {
			return fmt.Errorf("unknown model: %s", modelID)
		}
	}
	return nil
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// getDiscordPresenceStatusUpdate maps the pause state onto the gateway
// presence: do-not-disturb while paused, otherwise the custom status.
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
