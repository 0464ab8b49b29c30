package johnrobot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// AskCommandState is the overall execution state of an [AskCommand].
type AskCommandState string

func (s AskCommandState) String() string {
	return string(s)
}

const (
	// AskCommandStateReceived indicates the interaction has been
	// received, and a record created, but execution hasn't started
	AskCommandStateReceived AskCommandState = "received"

	// AskCommandStateInProgress indicates a Gemini request is in flight
	AskCommandStateInProgress AskCommandState = "in_progress"

	// AskCommandStateCompleted indicates the answer was delivered
	AskCommandStateCompleted AskCommandState = "completed"

	// AskCommandStateFailed indicates an error prevented the command
	// from finishing normally
	AskCommandStateFailed AskCommandState = "failed"

	// AskCommandStateExpired indicates the interaction token expired
	// before the command finished - generally because the bot was
	// stopped or crashed mid-request
	AskCommandStateExpired AskCommandState = "expired"

	// AskCommandStateIgnored indicates the command was dropped without
	// any visible response (ignored user, or the bot was paused)
	AskCommandStateIgnored AskCommandState = "ignored"

	// AskCommandStateAborted indicates the command was refused before
	// any Gemini request was made (blank prompt, no personalities
	// loaded, or an unknown personality/model name)
	AskCommandStateAborted AskCommandState = "aborted"

	// AskCommandStateBlocked indicates the API responded, but without
	// usable text (no candidates, or safety filters)
	AskCommandStateBlocked AskCommandState = "blocked"
)

// IsFinal indicates whether the current state is terminal
func (s AskCommandState) IsFinal() bool {
	switch s {
	case AskCommandStateCompleted,
		AskCommandStateFailed,
		AskCommandStateExpired,
		AskCommandStateIgnored,
		AskCommandStateAborted,
		AskCommandStateBlocked:
		return true
	default:
		return false
	}
}

// IsProcessing indicates whether the command is still being handled
func (s AskCommandState) IsProcessing() bool {
	switch s {
	case AskCommandStateReceived, AskCommandStateInProgress:
		return true
	default:
		return false
	}
}

// FollowupButtonState indicates how the follow-up button attached to
// the final message of a completed answer should be rendered.
type FollowupButtonState string

const (
	// FollowupButtonStateHidden omits the button entirely
	FollowupButtonStateHidden FollowupButtonState = ""

	// FollowupButtonStateEnabled renders the button active
	FollowupButtonStateEnabled FollowupButtonState = "enabled"

	// FollowupButtonStateDisabled renders the button greyed out
	FollowupButtonStateDisabled FollowupButtonState = "disabled"
)

const (
	// askResponseNoPersonalities is sent when the state file defines no
	// personalities at all. Without one, no system prompt can be
	// composed, so the command refuses rather than answering with no
	// persona.
	askResponseNoPersonalities = "Error: No personalities configured or loaded. Cannot process request."

	// askResponseNoAnswer is sent when the API returned no candidates
	askResponseNoAnswer = "The model returned no response."

	// askResponseBlocked is sent when a candidate came back without
	// usable text
	askResponseBlocked = "The model refused to answer (Safety/Invalid response)."

	// askResponseEmptyPrompt is sent when the prompt option contains
	// only whitespace
	askResponseEmptyPrompt = "Please provide a question to ask."

	// askResponseUnknownPersonality rejects personality names that
	// aren't in the registry
	askResponseUnknownPersonality = "Error: Unknown personality: %s"

	// askResponseUnknownModel rejects model identifiers that aren't in
	// the model choice list
	askResponseUnknownModel = "Error: Unknown model: %s"

	// followupErrorMessage is sent when a follow-up modal submission
	// can't be processed
	followupErrorMessage = "Oops! Something went wrong processing your follow-up."
)

const (
	// promptWithContextFormat composes user-provided context and the
	// prompt into the final text sent to the API
	promptWithContextFormat = "Previous Context Provided by User:\n%s\n\nUser Question: %s"

	// followupContextFormat renders a previous exchange as the context
	// for a follow-up question
	followupContextFormat = "User asked: %s\nAI Answered: %s"

	askEmbedTitleFormat      = "Prompt: %s"
	askEmbedAuthorFormat     = "Responding as: %s"
	askEmbedFooterFormat     = "Model: %s | API Call #%d"
	askEmbedFooterPartFormat = " | Part %d/%d"
	askEmbedPartTitleFormat  = "Part %d/%d"

	// discordSendChunkInterval is the pause between sending consecutive
	// chunks of a multi-part answer, so they arrive in order
	discordSendChunkInterval = 200 * time.Millisecond
)

var (
	columnAskCommandID                   = "id"
	columnAskCommandCreatedAt            = "created_at"
	columnAskCommandState                = "state"
	columnAskCommandPrompt               = "prompt"
	columnAskCommandPromptContext        = "prompt_context"
	columnAskCommandPersonality          = "personality"
	columnAskCommandSystemPrompt         = "system_prompt"
	columnAskCommandModel                = "model"
	columnAskCommandError                = "error"
	columnAskCommandResponse             = "response"
	columnAskCommandStartedAt            = "started_at"
	columnAskCommandFinishedAt           = "finished_at"
	columnAskCommandUsageCount           = "usage_count"
	columnAskCommandUsagePromptTokens    = "usage_prompt_tokens"
	columnAskCommandUsageCandidateTokens = "usage_candidate_tokens"
	columnAskCommandUsageTotalTokens     = "usage_total_tokens"
	columnAskCommandFinishReason         = "finish_reason"
	columnAskCommandInteractionID        = "interaction_id"
	columnAskCommandDiscordMessageID     = "discord_message_id"
	columnAskCommandParentID             = "parent_id"
	columnAskCommandCustomID             = "custom_id"
	columnAskCommandFollowupButton       = "followup_button"
	columnAskCommandFollowupMessageID    = "followup_message_id"
	columnAskCommandTokenExpires         = "token_expires"
	columnAskCommandAcknowledged         = "acknowledged"
	columnUserID                         = "user_id"
)

// GeminiSettings are the Gemini parameters applied when a user doesn't
// choose a model or personality in the command itself. They're set
// per-user, seeded from [RuntimeConfig] when the user is first seen.
//
//nolint:lll // struct tags can't be split
type GeminiSettings struct {
	// GeminiDefaultModel is the Gemini API model identifier used when
	// the command's model option is omitted
	GeminiDefaultModel string `json:"gemini_default_model" gorm:"column:gemini_default_model;type:string"`

	// DefaultPersonality is the personality used when the command's
	// personality option is omitted. Empty defers to the registry's
	// default.
	DefaultPersonality string `json:"default_personality" gorm:"column:default_personality;type:string"`
}

// CommandOptions defines the runtime execution config for slash commands
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	GeminiSettings

	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message to send to the user if an error is encountered during
	// their command execution, which prevents the command from finishing normally
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If specified, the bot will send certain events to the specified channel,
	// such as errors, when a new user is seen, when the bot connects, etc.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// FollowupEnabled attaches a reply button to completed answers, letting
	// users ask a follow-up question with the previous exchange as context.
	FollowupEnabled bool `gorm:"default:true" json:"followup_enabled"`

	// FollowupModalTitle is the title of the follow-up question modal.
	FollowupModalTitle string `json:"followup_modal_title" gorm:"default:Ask a Follow-up Question;size:45" binding:"min=0,max=45"`

	// FollowupModalInputLabel is the label for the question input in the modal.
	FollowupModalInputLabel string `json:"followup_modal_input_label" gorm:"default:Your Follow-up Question;size:45" binding:"min=0,max=45"`

	// FollowupModalPlaceholder is the placeholder text for the question input.
	FollowupModalPlaceholder string `json:"followup_modal_placeholder" gorm:"default:Enter your next question here..." binding:"min=0,max=100"`

	// FollowupModalMaxLength is the maximum length for a follow-up question.
	FollowupModalMaxLength int `json:"followup_modal_max_length" gorm:"default:1500" binding:"min=0,max=4000"`
}

// AskCommand is a single `/ask_gemini` slash command.
//
// When JohnRobot receives a new interaction for the slash command, a new
// AskCommand record is created with State set to AskCommandStateReceived.
// The record then moves through AskCommandStateInProgress while the
// Gemini request is in flight, to one of the terminal states.
//
// When the bot starts, records still in a non-terminal state are marked
// AskCommandStateExpired - their interaction tokens are gone, so there's
// no response left to deliver.
//
// Follow-ups created from the reply button are their own AskCommand
// records, pointing at the command they continue via ParentID.
//
//goland:noinspection GoMixedReceiverTypes
//nolint:lll // struct tags can't be split
type AskCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction

	// State is the overall execution state of this command
	State AskCommandState `json:"state" gorm:"type:string"`

	// Prompt is the value of the 'prompt' option from the discord
	// interaction (or the modal input, for follow-ups), with
	// surrounding whitespace trimmed
	Prompt string `json:"prompt" gorm:"type:string"`

	// PromptContext is the value of the 'context' option, if provided.
	// For follow-ups, it's the parent command's exchange. It's composed
	// with Prompt into the text sent to the API.
	PromptContext string `json:"prompt_context" gorm:"column:prompt_context;type:string"`

	// Personality is the display name of the personality answering.
	// Resolved from the 'personality' option, the user's default, or
	// the registry default, in that order.
	Personality string `json:"personality" gorm:"type:string"`

	// SystemPrompt is the system instruction for Personality, captured
	// when the command executes so follow-ups answer consistently even
	// if the state file changes in between
	SystemPrompt string `json:"system_prompt" gorm:"type:string"`

	// Model is the Gemini API model identifier used for this command
	Model string `json:"model" gorm:"type:string"`

	// UsageCount is the value of the daily usage counter after this
	// command's API call - the number rendered in the reply footer
	UsageCount int `json:"usage_count"`

	// FinishReason is the finish reason of the first response candidate
	FinishReason string `json:"finish_reason" gorm:"type:string"`

	UsagePromptTokens    int `json:"usage_prompt_tokens,omitempty"`
	UsageCandidateTokens int `json:"usage_candidate_tokens,omitempty"`
	UsageTotalTokens     int `json:"usage_total_tokens,omitempty"`

	// CustomID is a random hex string we generate for each interaction,
	// and is used as part of message component custom IDs, so we know
	// which button was clicked and for which command
	CustomID string `json:"custom_id" gorm:"index"`

	// ParentID is set on follow-ups, pointing at the command the
	// follow-up continues
	ParentID *uint `json:"parent_id,omitempty" gorm:"index"`

	// FollowupButton tracks the reply button attached to the final
	// message of a completed answer
	FollowupButton FollowupButtonState `json:"followup_button" gorm:"type:string"`

	// FollowupMessageID is the discord message ID carrying the reply
	// button, when the answer spanned multiple messages. Empty means
	// the button is on the original interaction response.
	FollowupMessageID string `json:"followup_message_id" gorm:"type:string"`

	mu      *sync.RWMutex
	handler InteractionHandler
}

// NewAskCommand creates a new AskCommand instance, and any error
// encountered during creation.
func NewAskCommand(u *User, i *discordgo.InteractionCreate) (
	rec *AskCommand, err error,
) {
	interaction := NewUserInteraction(i, u)
	rec = &AskCommand{
		Interaction: *interaction,
		State:       AskCommandStateReceived,
		mu:          &sync.RWMutex{},
	}
	if u != nil {
		rec.Model = u.GeminiDefaultModel
		rec.Personality = u.DefaultPersonality

		if u.Ignored {
			rec.State = AskCommandStateIgnored
		}
	}

	optionMap := discordInteractionOptions(i)
	if opt, ok := optionMap[askCommandPromptOption]; ok {
		rec.Prompt = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := optionMap[askCommandContextOption]; ok {
		rec.PromptContext = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := optionMap[askCommandPersonalityOption]; ok {
		rec.Personality = opt.StringValue()
	}
	if opt, ok := optionMap[askCommandModelOption]; ok {
		rec.Model = opt.StringValue()
	}

	randomID, _ := generateRandomHexString(discordComponentCustomIDLength)
	rec.CustomID = randomID

	return rec, nil
}

// newFollowUpAskCommand creates an AskCommand continuing a completed
// parent command. The follow-up inherits the parent's personality,
// system prompt and model, and carries the parent's exchange as its
// prompt context.
func newFollowUpAskCommand(
	parent *AskCommand,
	u *User,
	i *discordgo.InteractionCreate,
	question string,
) *AskCommand {
	interaction := NewUserInteraction(i, u)
	rec := &AskCommand{
		Interaction:   *interaction,
		State:         AskCommandStateReceived,
		Prompt:        strings.TrimSpace(question),
		PromptContext: followUpContext(parent),
		Personality:   parent.Personality,
		SystemPrompt:  parent.SystemPrompt,
		Model:         parent.Model,
		ParentID:      &parent.ID,
		mu:            &sync.RWMutex{},
	}
	if u != nil && u.Ignored {
		rec.State = AskCommandStateIgnored
	}

	randomID, _ := generateRandomHexString(discordComponentCustomIDLength)
	rec.CustomID = randomID

	return rec
}

// followUpContext renders a parent command's exchange as the context
// for a follow-up question.
func followUpContext(parent *AskCommand) string {
	return fmt.Sprintf(
		followupContextFormat,
		parent.Prompt,
		stringPointerValue(parent.Response),
	)
}

// FullPrompt returns the text sent to the API - the prompt alone, or
// composed with PromptContext when context was provided.
func (c *AskCommand) FullPrompt() string {
	if c.PromptContext == "" {
		return c.Prompt
	}
	return fmt.Sprintf(promptWithContextFormat, c.PromptContext, c.Prompt)
}

func (c *AskCommand) InteractionTokenExpired(t time.Time) bool {
	return t.UnixMilli() >= c.TokenExpires
}

func (c *AskCommand) Deadline() time.Time {
	return time.UnixMilli(c.TokenExpires).UTC()
}

// removeButtonsAt is when an unused follow-up button should be greyed
// out: a fixed window after the answer was delivered, or a minute
// before the interaction token expires, whichever comes first.
func (c *AskCommand) removeButtonsAt() time.Time {
	tokenExpiry := c.Deadline().Add(-time.Minute)
	finished := time.UnixMilli(c.CreatedAt).UTC()
	if c.FinishedAt != nil {
		finished = c.FinishedAt.UTC()
	}
	if removeAt := finished.Add(DefaultFollowupTimeout); removeAt.Before(tokenExpiry) {
		return removeAt
	}
	return tokenExpiry
}

// Answer performs the actual AskCommand processing: validates the
// prompt, resolves the personality and model, sends the composed prompt
// to the Gemini API, and delivers the answer. The interaction must
// already have been acknowledged with a deferred response.
func (c *AskCommand) Answer(ctx context.Context, d *JohnRobot) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger.With("ask_command", c)
		ctx = WithLogger(ctx, logger)
	}

	if c.handler == nil {
		logger.ErrorContext(ctx, "command has no interaction handler")
		return
	}
	config := c.handler.Config()

	if config.RecoverPanic {
		defer func() {
			if rv := recover(); rv != nil {
				d.handleRecover(ctx, rv)
				go d.discordNotifyCommandPanicked(c, rv)
				c.finalizeFailed(
					ctx,
					d,
					AskCommandStateFailed,
					fmt.Errorf("panic: %v", rv),
					config.DiscordErrorMessage,
				)
			}
		}()
	}

	if c.Prompt == "" {
		c.finalizeFailed(ctx, d, AskCommandStateAborted, nil, askResponseEmptyPrompt)
		return
	}

	// Follow-ups answer with the personality, system prompt and model
	// inherited from their parent, even if the state file or choice
	// list changed in between.
	if c.ParentID == nil {
		if d.personalities.Empty() {
			logger.WarnContext(ctx, "no personalities loaded, refusing command")
			c.finalizeFailed(
				ctx,
				d,
				AskCommandStateAborted,
				errors.New("no personalities loaded"),
				askResponseNoPersonalities,
			)
			return
		}

		personality := c.Personality
		if personality == "" {
			personality = d.personalities.Default()
		}
		systemPrompt, known := d.personalities.SystemPrompt(personality)
		if !known {
			logger.WarnContext(
				ctx,
				"unknown personality",
				columnAskCommandPersonality, personality,
			)
			c.finalizeFailed(
				ctx,
				d,
				AskCommandStateAborted,
				fmt.Errorf("unknown personality: %s", personality),
				fmt.Sprintf(askResponseUnknownPersonality, personality),
			)
			return
		}
		c.Personality = personality
		c.SystemPrompt = systemPrompt

		model := c.Model
		if model == "" {
			model = d.RuntimeConfig().GeminiDefaultModel
		}
		if model == "" {
			model = defaultGeminiModel()
		}
		if !validGeminiModel(model) {
			logger.WarnContext(ctx, "unknown model", columnAskCommandModel, model)
			c.finalizeFailed(
				ctx,
				d,
				AskCommandStateAborted,
				fmt.Errorf("unknown model: %s", model),
				fmt.Sprintf(askResponseUnknownModel, model),
			)
			return
		}
		c.Model = model
	}

	started := time.Now()
	c.State = AskCommandStateInProgress
	c.StartedAt = &started
	if _, err := d.writeDB.Updates(
		ctx, c, map[string]any{
			columnAskCommandState:        AskCommandStateInProgress,
			columnAskCommandStartedAt:    &started,
			columnAskCommandPersonality:  c.Personality,
			columnAskCommandSystemPrompt: c.SystemPrompt,
			columnAskCommandModel:        c.Model,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating command state", tint.Err(err))
	}

	answer, err := d.gemini.GenerateAnswer(ctx, d.writeDB, c)
	if err != nil {
		c.finalizeWithError(ctx, d, err)
		return
	}
	c.finalizeResponse(ctx, d, answer)
}

// validGeminiModel reports whether model is one of the configured model
// choices.
func validGeminiModel(model string) bool {
	for _, apiModel := range geminiModels {
		if apiModel == model {
			return true
		}
	}
	return false
}

// finalizeWithError finishes a command whose Gemini request failed,
// mapping the known failure modes to their user-facing messages.
func (c *AskCommand) finalizeWithError(
	ctx context.Context,
	d *JohnRobot,
	err error,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The bot is stopping. The record stays in_progress and is
		// marked expired on the next startup.
		logger.WarnContext(ctx, "context canceled before answer", tint.Err(err))
		return
	}

	switch {
	case errors.Is(err, ErrGeminiEmptyResponse):
		c.finalizeFailed(ctx, d, AskCommandStateBlocked, err, askResponseNoAnswer)
	case errors.Is(err, ErrGeminiBlocked):
		c.finalizeFailed(ctx, d, AskCommandStateBlocked, err, askResponseBlocked)
	default:
		logger.ErrorContext(ctx, "gemini request failed", tint.Err(err))
		go d.discordNotifyError(c, err)
		c.finalizeFailed(
			ctx,
			d,
			AskCommandStateFailed,
			err,
			c.handler.Config().DiscordErrorMessage,
		)
	}
}

// finalizeResponse delivers a successful answer. The daily usage
// counter is incremented first, then the answer is split into
// embed-sized chunks: the first edits the deferred interaction
// response, the rest are sent as followup messages. The reply button is
// attached to the last message sent.
func (c *AskCommand) finalizeResponse(
	ctx context.Context,
	d *JohnRobot,
	answer string,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	config := c.handler.Config()

	usageCount := d.usageTracker.GetAndIncrement()

	chunks := splitMessage(answer, discordEmbedDescriptionLimit)
	embeds := c.responseEmbeds(chunks, usageCount)
	withButton := config.FollowupEnabled && c.ParentID == nil

	firstEdit := &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{embeds[0]},
	}
	if withButton && len(embeds) == 1 {
		components := c.followupButtonComponents(false)
		firstEdit.Components = &components
	}
	if _, err := c.handler.Edit(ctx, firstEdit); err != nil {
		logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
		c.finalizeFailed(
			ctx,
			d,
			AskCommandStateFailed,
			err,
			config.DiscordErrorMessage,
		)
		return
	}

	followupMessageID := ""
	for i := 1; i < len(embeds); i++ {
		time.Sleep(discordSendChunkInterval)
		params := &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{embeds[i]},
		}
		if withButton && i == len(embeds)-1 {
			params.Components = c.followupButtonComponents(false)
		}
		msg, err := c.handler.Followup(ctx, params)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error sending answer chunk",
				tint.Err(err),
				"chunk", i+1,
				"chunks", len(embeds),
			)
			c.setFinished(ctx, d, AskCommandStateFailed, err)
			c.sendEphemeralError(ctx, d, config.DiscordErrorMessage, false)
			return
		}
		if msg != nil {
			followupMessageID = msg.ID
		}
	}

	finished := time.Now()
	c.mu.Lock()
	c.State = AskCommandStateCompleted
	c.FinishedAt = &finished
	c.Response = &answer
	c.UsageCount = usageCount
	c.FollowupMessageID = followupMessageID
	if withButton {
		c.FollowupButton = FollowupButtonStateEnabled
	}
	c.mu.Unlock()

	if _, err := d.writeDB.Updates(
		ctx, c, map[string]any{
			columnAskCommandState:             AskCommandStateCompleted,
			columnAskCommandFinishedAt:        &finished,
			columnAskCommandResponse:          answer,
			columnAskCommandUsageCount:        usageCount,
			columnAskCommandFollowupButton:    c.FollowupButton,
			columnAskCommandFollowupMessageID: followupMessageID,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating command", tint.Err(err))
	}

	logger.InfoContext(
		ctx,
		"delivered answer",
		columnAskCommandUsageCount, usageCount,
		"chunks", len(chunks),
		"answer_length", len(answer),
	)
}

// setFinished moves the command to a terminal state and persists it.
func (c *AskCommand) setFinished(
	ctx context.Context,
	d *JohnRobot,
	state AskCommandState,
	commandErr error,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}

	finished := time.Now()
	c.State = state
	c.FinishedAt = &finished
	updates := map[string]any{
		columnAskCommandState:      state,
		columnAskCommandFinishedAt: &finished,
	}
	if commandErr != nil {
		c.Error = NullableString(commandErr.Error())
		updates[columnAskCommandError] = c.Error
	}
	if _, err := d.writeDB.Updates(ctx, c, updates); err != nil {
		logger.ErrorContext(ctx, "error updating command", tint.Err(err))
	}
}

// finalizeFailed moves the command to a terminal state and replaces the
// public 'thinking' response with userMessage as an ephemeral error.
func (c *AskCommand) finalizeFailed(
	ctx context.Context,
	d *JohnRobot,
	state AskCommandState,
	commandErr error,
	userMessage string,
) {
	c.setFinished(ctx, d, state, commandErr)
	c.sendEphemeralError(ctx, d, userMessage, true)
}

// sendEphemeralError sends content as an ephemeral error embed only the
// invoking user sees. When removeResponse is set, the deferred public
// response is deleted first so the 'thinking' placeholder doesn't
// linger - it's left alone when part of the answer was already
// delivered. If the interaction token already expired, the error is
// posted to the channel instead, mentioning the user.
func (c *AskCommand) sendEphemeralError(
	ctx context.Context,
	d *JohnRobot,
	content string,
	removeResponse bool,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}

	if removeResponse {
		c.handler.Delete(ctx)
	}
	_, err := c.handler.Followup(
		ctx, &discordgo.WebhookParams{
			Embeds: []*discordgo.MessageEmbed{newErrorEmbed(content)},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	)
	if err == nil {
		return
	}
	logger.ErrorContext(ctx, "error sending error response", tint.Err(err))

	if !discordInteractionExpired(err) || c.ChannelID == "" {
		return
	}
	if _, err = d.discord.channelMessageSendComplex(
		c.ChannelID, &discordgo.MessageSend{
			Content: fmt.Sprintf("<@%s>", c.UserID),
			Embeds:  []*discordgo.MessageEmbed{newErrorEmbed(content)},
		},
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error sending channel fallback message",
			tint.Err(err),
		)
	}
}

// responseEmbeds renders the answer chunks as discord embeds. Every
// chunk carries the personality as its author line. The first chunk is
// titled with the prompt and carries the usage footer; the rest are
// titled by their part number.
func (c *AskCommand) responseEmbeds(
	chunks []string,
	usageCount int,
) []*discordgo.MessageEmbed {
	title := fmt.Sprintf(askEmbedTitleFormat, c.Prompt)
	if utf8.RuneCountInString(title) > discordEmbedTitleLimit {
		title = truncate(title, discordEmbedTitleLimit-3) + "..."
	}

	footer := fmt.Sprintf(
		askEmbedFooterFormat,
		geminiModelDisplayName(c.Model),
		usageCount,
	)
	if len(chunks) > 1 {
		footer += fmt.Sprintf(askEmbedFooterPartFormat, 1, len(chunks))
	}

	embeds := make([]*discordgo.MessageEmbed, 0, len(chunks))
	for i, chunk := range chunks {
		embed := &discordgo.MessageEmbed{
			Description: chunk,
			Color:       discordEmbedColorBlue,
		}
		if c.Personality != "" {
			embed.Author = &discordgo.MessageEmbedAuthor{
				Name: fmt.Sprintf(askEmbedAuthorFormat, c.Personality),
			}
		}
		if i == 0 {
			embed.Title = title
			embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
		} else {
			embed.Title = fmt.Sprintf(
				askEmbedPartTitleFormat,
				i+1,
				len(chunks),
			)
		}
		embeds = append(embeds, embed)
	}
	return embeds
}

// followupButtonComponents returns the action row(s) holding the reply
// button for this command.
func (c *AskCommand) followupButtonComponents(
	disabled bool,
) []discordgo.MessageComponent {
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    followupButtonLabel,
			Style:    discordgo.PrimaryButton,
			Disabled: disabled,
			Emoji:    &discordgo.ComponentEmoji{Name: followupButtonEmoji},
			CustomID: fmt.Sprintf(
				customIDFormat,
				followupButtonReply,
				c.CustomID,
			),
		},
	}
	rows := chunkItems(discordMaxButtonsPerActionRow, buttons...)
	components := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		components = append(components, discordgo.ActionsRow{Components: row})
	}
	return components
}

// removeFollowupButton edits the message carrying the reply button,
// rendering the button greyed out. The caller must hold c.mu.
func (c *AskCommand) removeFollowupButton(ctx context.Context) error {
	components := c.followupButtonComponents(true)
	if c.FollowupMessageID != "" {
		_, err := c.handler.FollowupEdit(
			ctx,
			c.FollowupMessageID,
			&discordgo.WebhookEdit{Components: &components},
		)
		return err
	}
	_, err := c.handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Components: &components},
	)
	return err
}

// finalizeExpiredButtons disables an unused reply button in the
// database only, for commands whose interaction token already expired
// and whose messages can no longer be edited. The caller must hold c.mu.
func (c *AskCommand) finalizeExpiredButtons(ctx context.Context, db DBI) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	if c.FollowupButton != FollowupButtonStateEnabled {
		return
	}
	c.FollowupButton = FollowupButtonStateDisabled
	if _, err := db.Updates(
		ctx, c, map[string]any{
			columnAskCommandFollowupButton: FollowupButtonStateDisabled,
		},
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error disabling followup button",
			tint.Err(err),
		)
	}
}

//goland:noinspection GoMixedReceiverTypes
func (c AskCommand) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(c.ID)),
		slog.String(columnUserID, c.UserID),
		slog.String(columnAskCommandState, c.State.String()),
		slog.String(columnAskCommandModel, c.Model),
		slog.String(columnAskCommandCustomID, c.CustomID),
		slog.String(columnAskCommandInteractionID, c.InteractionID),
	}
	if c.Personality != "" {
		attrs = append(
			attrs,
			slog.String(columnAskCommandPersonality, c.Personality),
		)
	}
	if c.ParentID != nil {
		attrs = append(
			attrs,
			slog.Uint64(columnAskCommandParentID, uint64(*c.ParentID)),
		)
	}
	if c.User != nil {
		attrs = append(attrs, slog.Any("user", c.User))
	}
	return slog.GroupValue(attrs...)
}

// CustomID represents a decoded `custom_id` discord message component
// field. It contains the component the ID is associated with, and ID
// set to match with [AskCommand.CustomID]
type CustomID struct {
	Component string
	ID        string
}

func (c CustomID) String() string {
	return fmt.Sprintf(customIDFormat, c.Component, c.ID)
}

func (c CustomID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("component", c.Component),
		slog.String("custom_id", c.ID),
	)
}

// decodeCustomID accepts a `custom_id` value that's been set in a
// discord message component, and decodes it into a [CustomID] struct,
// which indicates the component the ID is associated with, and the ID
// set to match with [AskCommand.CustomID]
func decodeCustomID(customID string) (CustomID, error) {
	parts := strings.Split(customID, ":")
	if len(parts) != 2 {
		return CustomID{}, fmt.Errorf("invalid custom_id format")
	}

	return CustomID{
		Component: parts[0],
		ID:        parts[1],
	}, nil
}

// getTextInputFromInteraction returns the text input component from a discord interaction modal
func getTextInputFromInteraction(
	modalData discordgo.ModalSubmitInteractionData,
) *discordgo.TextInput {
	for _, component := range modalData.Components {
		if component.Type() != discordgo.ActionsRowComponent {
			continue
		}
		actionsRow, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range actionsRow.Components {
			if rowComponent.Type() != discordgo.TextInputComponent {
				continue
			}
			textInput, ok := rowComponent.(*discordgo.TextInput)
			if ok {
				return textInput
			}
		}
	}
	return nil
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length. If the length is odd, it's incremented by 1 to
// ensure a valid byte slice length.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	hexString := hex.EncodeToString(bytes)
	return hexString, nil
}
