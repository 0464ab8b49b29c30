package johnrobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"gorm.io/gorm"
)

// TestRun is a way-too-expansive test that covers a significant
// amount of the end-to-end stuff that happens while executing a
// slash command. It was pretty much the first test case I wrote to
// validate the full process, so it could probably use some cleaning
// up or re-examination.
func TestRun(t *testing.T) {
	t.Parallel()
	bot, _ := newJohnRobot(t)
	ctx := context.Background()
	discordUser := newDiscordUser(t)
	ids := newCommandData(t)

	question := "where is the beef?"
	mockGemini := bot.gemini.client.(*mockGeminiClient)
	expectResponse := mockGemini.PromptResponses[question]
	require.NotEmpty(t, expectResponse)
	interaction := newDiscordInteraction(
		t,
		discordUser,
		ids.InteractionID,
		question,
	)

	go bot.handleInteraction(
		context.Background(),
		bot.getInteractionHandlerFunc(context.Background(), interaction),
	)

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 300*time.Second)
	t.Cleanup(doneCancel)

	askCommand := waitForAskCommandCreation(
		t,
		doneCtx,
		bot.db,
		interaction.ID,
	)

	pollCtx, pollCancel := context.WithTimeout(ctx, 150*time.Second)
	t.Cleanup(pollCancel)

	askCommand = waitForAskCommandFinish(
		t,
		pollCtx,
		bot.db,
		askCommand.InteractionID,
	)
	require.NotNil(t, askCommand)
	require.Equal(t, AskCommandStateCompleted, askCommand.State)
	assert.Equal(t, discordUser.ID, askCommand.UserID)
	assert.Equal(t, interaction.ID, askCommand.InteractionID)
	assert.Equal(t, interaction.Token, askCommand.Token)
	assert.Equal(t, interaction.AppID, askCommand.AppID)
	require.NotNil(t, askCommand.Response)
	assert.Equal(t, question, askCommand.Prompt)
	assert.Equal(t, expectResponse, *askCommand.Response)

	require.Emptyf(
		t,
		askCommand.Error,
		"error response: %s (state: %s)",
		askCommand.Error,
		askCommand.State,
	)

	var generateRequests []*GeminiGenerateContent
	db := bot.db
	err := db.Find(&generateRequests).Error
	require.NoError(t, err)
	assert.Len(t, generateRequests, 1)

	generateReq := generateRequests[0]

	var askCommandRec AskCommand
	err = db.Last(&askCommandRec).Error
	if err != nil {
		t.Fatalf("error getting last ask command: %v", err)
	}
	require.NoError(t, bot.hydrateAskCommand(ctx, &askCommandRec))

	assert.Equal(t, askCommandRec.ID, *generateReq.AskCommandID)
	assert.Contains(t, generateReq.RequestBody, question)
	assert.Contains(t, generateReq.ResponseBody, expectResponse)
	assert.Equal(t, "", generateReq.Error)

	assert.Equal(t, DefaultPersonalityName, askCommandRec.Personality)
	assert.NotEmpty(t, askCommandRec.SystemPrompt)
	assert.Equal(t, defaultGeminiModel(), askCommandRec.Model)
	assert.Equal(t, string(genai.FinishReasonStop), askCommandRec.FinishReason)
	assert.Equal(t, len(question), askCommandRec.UsagePromptTokens)
	assert.Equal(t, len(expectResponse), askCommandRec.UsageCandidateTokens)
	assert.Equal(
		t,
		len(question)+len(expectResponse),
		askCommandRec.UsageTotalTokens,
	)
	assert.Equal(t, 1, askCommandRec.UsageCount)
	assert.Equal(t, FollowupButtonStateEnabled, askCommandRec.FollowupButton)

	customID := askCommandRec.CustomID
	assert.NotEqual(t, "", customID)

	// submit a follow-up question through the reply button's modal, with
	// the mock primed for the composed prompt the follow-up should send
	followupQuestion := "ok, but where is the bun?"
	followupResponse := "The bun is real."
	followupPrompt := fmt.Sprintf(
		promptWithContextFormat,
		fmt.Sprintf(followupContextFormat, question, expectResponse),
		followupQuestion,
	)
	mockGemini.PromptResponses[followupPrompt] = followupResponse

	fullCustomID := fmt.Sprintf(customIDFormat, followupButtonReply, customID)
	row := &discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			&discordgo.TextInput{
				CustomID: fullCustomID,
				Value:    followupQuestion,
			},
		},
	}
	submitData := discordgo.ModalSubmitInteractionData{
		CustomID: followupModalCustomID,
		Components: []discordgo.MessageComponent{
			row,
		},
	}
	modalInteraction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:   discordgo.InteractionModalSubmit,
			ID:     fmt.Sprintf("modal_%s", t.Name()),
			Data:   submitData,
			Member: &discordgo.Member{User: discordUser},
		},
	}

	followupCh := make(chan struct{}, 1)
	go func() {
		bot.handleInteraction(
			context.Background(),
			bot.getInteractionHandlerFunc(
				context.Background(),
				modalInteraction,
			),
		)
		followupCh <- struct{}{}
	}()

	followupCtx, followupCancel := context.WithTimeout(
		ctx,
		240*time.Second,
	)
	t.Cleanup(followupCancel)
	select {
	case <-followupCh:
		//
	case <-followupCtx.Done():
		t.Fatalf("timeout waiting for follow-up")
	}
	followup := waitForAskCommandFinish(
		t,
		followupCtx,
		bot.db,
		modalInteraction.ID,
	)
	followupCancel()
	if followup == nil {
		t.Fatalf("expected follow-up command to not be nil")
	}

	require.Equal(t, AskCommandStateCompleted, followup.State)
	require.NotNil(t, followup.ParentID)
	assert.Equal(t, askCommandRec.ID, *followup.ParentID)
	assert.Equal(t, followupQuestion, followup.Prompt)
	assert.Equal(
		t,
		fmt.Sprintf(followupContextFormat, question, expectResponse),
		followup.PromptContext,
	)
	require.NotNil(t, followup.Response)
	assert.Equal(t, followupResponse, *followup.Response)
	assert.Equal(t, askCommandRec.Personality, followup.Personality)
	assert.Equal(t, askCommandRec.SystemPrompt, followup.SystemPrompt)
	assert.Equal(t, askCommandRec.Model, followup.Model)

	// follow-ups don't get their own reply button
	assert.Equal(t, FollowupButtonStateHidden, followup.FollowupButton)

	assert.Equal(t, 2, followup.UsageCount)
	assert.Equal(t, 2, bot.usageTracker.Peek())
}

func TestInteractionLog(t *testing.T) {
	t.Parallel()
	bot, _ := newJohnRobot(t)
	bot.paused.Store(true)

	discordUser := &discordgo.User{
		ID:       "999",
		Username: "foo",
	}
	question := "where is the beef?"

	interaction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			ID:   "123",
			User: discordUser,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandAsk,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  askCommandPromptOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: question,
					},
				},
			},
		},
	}
	bot.handleInteraction(
		context.Background(),
		bot.getInteractionHandlerFunc(context.Background(), interaction),
	)

	time.Sleep(5 * time.Second)

	var cmdAsk AskCommand
	err := bot.db.Last(&cmdAsk).Error
	require.NoError(t, err)

	pollCtx, pollCancel := context.WithTimeout(
		context.Background(),
		240*time.Second,
	)
	t.Cleanup(pollCancel)
	rv := waitOnAskCommandFinalState(
		t,
		pollCtx,
		bot.db,
		500*time.Millisecond,
		cmdAsk.ID,
	)
	if rv == nil {
		t.Fatalf("expected final state to not be nil")
	}
	assert.Equal(t, AskCommandStateIgnored, *rv)

	var ilog InteractionLog
	err = bot.db.Last(&ilog).Error
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	assert.Equal(t, "999", ilog.UserID)
	assert.Equal(t, "foo#", ilog.Username)
}

func TestLoggerCtx(t *testing.T) {
	logger := slog.Default()
	ctx := context.Background()

	foundLogger, ok := ContextLogger(ctx)
	assert.Nil(t, foundLogger)
	assert.False(t, ok)

	logCtx := WithLogger(ctx, logger)
	foundLogger, ok = ContextLogger(logCtx)
	assert.True(t, ok)
	assert.NotNil(t, foundLogger)
	assert.Equal(t, logger, foundLogger)
}

func TestDiscordNotifyCommandPanicked(t *testing.T) {
	t.Parallel()
	bot, _ := newJohnRobot(t)

	mockSession := newMockDiscordSession()
	connectSession := discordChannelMessageSendHandler{
		DiscordSessionHandler: mockSession,
		messagesSent:          make(chan stubChannelMessageSend, 100),
		repliesSent:           make(chan stubMessageReply, 100),
		errCh:                 make(chan error, 100),
		t:                     t,
	}
	bot.discord.session = connectSession

	channelID := fmt.Sprintf("c_%s", t.Name())
	bot.runtimeConfig.DiscordNotificationChannelID = channelID

	ids := newCommandData(t)
	askCommand := ids.populateAskCommand(nil)

	panicValue := "runtime error: invalid memory address"
	bot.discordNotifyCommandPanicked(askCommand, panicValue)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	var receivedMessages []stubChannelMessageSend
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	case msg := <-connectSession.messagesSent:
		receivedMessages = append(receivedMessages, msg)
		assert.Equal(t, channelID, msg.ChannelID)
	}
	assert.True(t, messageContains(t, receivedMessages, "Panic in AskCommand!"))
	assert.True(t, messageContains(t, receivedMessages, askCommand.InteractionID))
	assert.True(t, messageContains(t, receivedMessages, panicValue))

	// without a notification channel, this should be a no-op
	bot.runtimeConfig.DiscordNotificationChannelID = ""
	bot.discordNotifyCommandPanicked(askCommand, panicValue)
	select {
	case <-connectSession.messagesSent:
		t.Fatal("message was sent without a notification channel")
	case <-time.After(1 * time.Second):
		// This is the expected behavior
	}
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	return db
}

// newJohnRobot returns a new JohnRobot for testing, with a default context.
func newJohnRobot(t testing.TB) (*JohnRobot, *http.Client) {
	t.Helper()
	return newJohnRobotWithContext(t, context.Background())
}

// newJohnRobotWithContext returns a new JohnRobot for testing, with
// test-specific default Config and RuntimeConfig structs, and mocked
// Gemini and Discord structs. Loggers are set which have a 'test_name'
// field to help identify the test being run.
func newJohnRobotWithContext(
	t testing.TB,
	ctx context.Context,
) (*JohnRobot, *http.Client) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)

	ids := newCommandData(t)

	mockClient := newMockGeminiClient(t, &ids)

	dbctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	t.Cleanup(cancel)
	db, err := CreateDB(dbctx, cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	runtimeCfg := DefaultTestRuntimeConfig(t)
	require.NoError(t, db.Create(runtimeCfg).Error)

	bot, err := New(cfg)
	require.NoError(t, err)

	bot.runtimeConfig = runtimeCfg
	bot.gemini.client = mockClient
	bot.discord.session = newMockDiscordSession()

	setLoggers(t, bot)

	adminServer := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(adminServer.Close)

	bot.config.HTTPClient = adminServer.Client()
	bot.api.httpServer = adminServer.Config

	logger := slog.Default()

	// discord API calls are mocked out, and sent into these channels so
	// we can validate what's  being sent
	bot.getInteractionHandlerFunc = func(
		_ context.Context, i *discordgo.InteractionCreate,
	) InteractionHandler {
		stubHandler := stubInteractionHandler{
			callRespond:        make(chan *discordgo.InteractionResponse, 100),
			config:             bot.RuntimeConfig().CommandOptions,
			callGetResponse:    make(chan struct{}, 100),
			callEdit:           make(chan *stubEdits, 100),
			callDelete:         make(chan struct{}, 100),
			callGetInteraction: make(chan struct{}, 100),
			callFollowup:       make(chan *stubFollowup, 100),
			callFollowupEdit:   make(chan *stubFollowupEdit, 100),
			GatewayHandler: GatewayHandler{
				session:     bot.discord.session,
				interaction: i,
				logger:      logger.With("test_name", t.Name()),
			},
		}
		return stubHandler
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
		t.Cleanup(
			func() {
				cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), time.Minute)
				defer cleanupCancel()
				select {
				case <-cleanupCtx.Done():
					t.Logf("cleanup timed out")
				case bot.signalStop <- struct{}{}:
					t.Logf("sent stop signal")
				}
			},
		)
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	}
	bot.cfgMu.Lock()
	defer bot.cfgMu.Unlock()
	return bot, adminServer.Client()
}

// newJohnRobotWebhookWithContext returns a new JohnRobot, set up
// to receive interactions via webhook rather than a gateway connection.
func newJohnRobotWebhookWithContext(
	t testing.TB,
	ctx context.Context,
) (*JohnRobot, *MockDiscord) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	cfg.Discord.WebhookServer.Enabled = true

	pubkey, privkey := generateDiscordKey(t)

	cfg.Discord.WebhookServer.PublicKey = pubkey

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	t.Cleanup(cancel)

	db, err := CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	bot, err := New(cfg)
	require.NoError(t, err)

	runtimeCfg := DefaultTestRuntimeConfig(t)
	require.NoError(t, db.Create(runtimeCfg).Error)
	bot.runtimeConfig = runtimeCfg

	bot.discord.session = newMockDiscordSession()

	setLoggers(t, bot)

	mockClient := newMockGeminiClient(t, nil)
	bot.gemini.client = mockClient

	webhookServer := httptest.NewTLSServer(bot.discordWebhookServer.engine)
	t.Cleanup(webhookServer.Close)
	bot.discordWebhookServer.httpServer = webhookServer.Config

	adminServer := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(adminServer.Close)
	bot.config.HTTPClient = adminServer.Client()
	bot.api.httpServer = adminServer.Config

	logger := slog.Default()
	mockDiscord := &MockDiscord{
		PrivateKey: privkey,
		logger:     logger,
		httpClient: webhookServer.Client(),
		URL: fmt.Sprintf(
			"%s%s",
			webhookServer.URL,
			apiDiscordInteractions,
		),
	}

	bot.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		stubHandler := stubInteractionHandler{
			callRespond:        make(chan *discordgo.InteractionResponse, 100),
			config:             bot.RuntimeConfig().CommandOptions,
			callGetResponse:    make(chan struct{}, 100),
			callEdit:           make(chan *stubEdits, 100),
			callDelete:         make(chan struct{}, 100),
			callGetInteraction: make(chan struct{}, 100),
			callFollowup:       make(chan *stubFollowup, 100),
			callFollowupEdit:   make(chan *stubFollowupEdit, 100),
			GatewayHandler: GatewayHandler{
				session:     bot.discord.session,
				interaction: i,
				logger:      logger.With("test_name", t.Name()),
			},
		}
		return stubHandler
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
		t.Cleanup(
			func() {
				bot.signalStop <- struct{}{}
			},
		)
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	}
	return bot, mockDiscord
}

func newTestJohnRobot(t testing.TB, ids *commandData) (
	*JohnRobot,
	*commandData,
	*http.Client,
) {
	t.Helper()

	if ids == nil {
		cmdData := newCommandData(t)
		ids = &cmdData
	}

	cfg := DefaultTestConfig(t)

	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newMockDiscordSession()

	runtimeCfg := DefaultTestRuntimeConfig(t)
	require.NoError(t, db.Create(runtimeCfg).Error)
	bot.runtimeConfig = runtimeCfg

	setLoggers(t, bot)

	mockClient := newMockGeminiClient(t, ids)
	bot.gemini.client = mockClient

	adminServer := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(adminServer.Close)

	bot.config.HTTPClient = adminServer.Client()
	bot.api.httpServer = adminServer.Config

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bot.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		stubHandler := stubInteractionHandler{
			callRespond:        make(chan *discordgo.InteractionResponse, 100),
			config:             bot.RuntimeConfig().CommandOptions,
			callGetResponse:    make(chan struct{}, 100),
			callEdit:           make(chan *stubEdits, 100),
			callDelete:         make(chan struct{}, 100),
			callGetInteraction: make(chan struct{}, 100),
			callFollowup:       make(chan *stubFollowup, 100),
			callFollowupEdit:   make(chan *stubFollowupEdit, 100),
			GatewayHandler: GatewayHandler{
				session:     bot.discord.session,
				interaction: i,
				logger:      slog.Default().With("test_name", t.Name()),
			},
		}
		return stubHandler
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
		t.Cleanup(
			func() {
				bot.signalStop <- struct{}{}
			},
		)
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	}

	return bot, ids, adminServer.Client()
}

func TestHandleDiscordMessage(t *testing.T) {
	t.Parallel()
	bot, _ := newJohnRobot(t)

	ctx := context.Background()

	t.Run(
		"Ignore message mentioning everyone", func(t *testing.T) {
			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content:         "Hello @everyone",
					MentionEveryone: true,
					Author: &discordgo.User{
						ID: "mentioneveryone",
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)
			// Assert that no DiscordMessage was created
			var count int64
			bot.db.Model(&DiscordMessage{}).Count(&count)
			assert.Equal(t, int64(0), count)
		},
	)

	t.Run(
		"Ignore message without mentions", func(t *testing.T) {
			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content: "Hello world",
					Author: &discordgo.User{
						ID: "nomentions",
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)
			// Assert that no DiscordMessage was created
			var count int64
			bot.db.Model(&DiscordMessage{}).Count(&count)
			assert.Equal(t, int64(0), count)
		},
	)

	t.Run(
		"Ignore message from bot", func(t *testing.T) {
			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					Content: "Hello from bot",
					Author: &discordgo.User{
						ID:  "bot123-ignoreme",
						Bot: true,
					},
					Mentions: []*discordgo.User{
						{ID: bot.config.Discord.ApplicationID},
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)
			// Assert that no DiscordMessage was created
			var count int64
			bot.db.Model(&DiscordMessage{}).Count(&count)
			assert.Equal(t, int64(0), count)
		},
	)

	t.Run(
		"Handle valid mention", func(t *testing.T) {
			user := &discordgo.User{
				ID:         "validuser123",
				Username:   "testuser",
				GlobalName: "Test User",
			}
			require.NotEmpty(t, bot.config.Discord.ApplicationID)
			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:        "msg123",
					ChannelID: fmt.Sprintf("c_%s", t.Name()),
					Content:   "Hello <@" + bot.config.Discord.ApplicationID + ">",
					Author:    user,
					Mentions: []*discordgo.User{
						{ID: bot.config.Discord.ApplicationID},
					},
				},
			}
			mctx, mcancel := context.WithTimeout(ctx, 300*time.Second)
			t.Cleanup(mcancel)

			connectSession := discordChannelMessageSendHandler{
				DiscordSessionHandler: bot.discord.session,
				messagesSent:          make(chan stubChannelMessageSend, 100),
				repliesSent:           make(chan stubMessageReply, 100),
				errCh:                 make(chan error, 100),
				t:                     t,
			}
			bot.discord.session = connectSession

			doneCh := make(chan struct{}, 1)
			go func() {
				bot.handleDiscordMessage(mctx, msg)
				doneCh <- struct{}{}
			}()

			select {
			case <-mctx.Done():
				t.Fatal("timed out waiting on command")
			case <-doneCh:
				//
			}
			// Assert that a DiscordMessage was created
			var discordMsg DiscordMessage
			err := bot.db.Last(&discordMsg).Error
			require.NoError(t, err)
			assert.Equal(t, msg.ID, discordMsg.MessageID)
			assert.Equal(t, user.ID, discordMsg.UserID)
			assert.Equal(t, user.Username, discordMsg.Username)
			assert.Equal(t, user.GlobalName, discordMsg.GlobalName)

			var createdUser *User
			require.NoError(
				t,
				bot.db.Last(&createdUser, "id = ?", user.ID).Error,
			)

			// a mention-only message gets a canned reply pointing
			// at the slash command
			select {
			case <-mctx.Done():
				t.Fatal("timed out waiting for mention reply")
			case reply := <-connectSession.repliesSent:
				assert.Equal(t, msg.ChannelID, reply.ChannelID)
				assert.Equal(t, discordMentionResponse, reply.Content)
				require.NotNil(t, reply.MessageReference)
				assert.Equal(t, msg.ID, reply.MessageReference.MessageID)
			}

			// a second mention inside the cooldown window is logged,
			// but doesn't get another reply
			repeatMsg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:        "msg124",
					ChannelID: msg.ChannelID,
					Content:   "Hello again <@" + bot.config.Discord.ApplicationID + ">",
					Author:    user,
					Mentions: []*discordgo.User{
						{ID: bot.config.Discord.ApplicationID},
					},
				},
			}
			bot.handleDiscordMessage(mctx, repeatMsg)

			select {
			case reply := <-connectSession.repliesSent:
				t.Fatalf("unexpected reply within mention cooldown: %#v", reply)
			case <-time.After(1 * time.Second):
				// This is the expected behavior
			}
			time.Sleep(250 * time.Millisecond)
		},
	)

	t.Run(
		"Handle message with interaction", func(t *testing.T) {
			ids := newCommandData(t)
			ids.UserID = fmt.Sprintf("withinteraction-%s", t.Name())
			askCommand := ids.populateAskCommand(nil)
			askCommand.Response = strPtr(
				fmt.Sprintf(
					"you said: %s!",
					t.Name(),
				),
			)
			require.Equal(
				t,
				discordgo.InteractionApplicationCommand.String(),
				askCommand.Type,
			)
			discordMessageID := fmt.Sprintf("%10d", randomGenerator.Uint32())
			discordChannelID := fmt.Sprintf("%10d", randomGenerator.Uint32())
			discordGuildID := fmt.Sprintf("%10d", randomGenerator.Uint32())

			appUser := &discordgo.User{
				ID:         ids.DiscordApplicationID,
				Username:   "johnrobot",
				GlobalName: "John Robot",
				Bot:        true,
			}

			originalMsg := discordgo.Message{
				ID:        discordMessageID,
				ChannelID: discordChannelID,
				GuildID:   discordGuildID,
				Content:   *askCommand.Response,
				Author:    appUser,
			}
			_, err := bot.writeDB.Create(context.TODO(), askCommand.User)
			require.NoError(t, err)

			_, err = bot.writeDB.Create(context.TODO(), askCommand)
			require.NoError(t, err)
			require.Empty(t, askCommand.DiscordMessageID)
			require.NotEmpty(t, askCommand.InteractionID)
			user := &discordgo.User{
				ID:         askCommand.User.ID,
				Username:   askCommand.User.Username,
				GlobalName: askCommand.User.GlobalName,
			}

			interactionTypes := map[string]discordgo.InteractionType{
				discordgo.InteractionPing.String():               discordgo.InteractionPing,
				discordgo.InteractionApplicationCommand.String(): discordgo.InteractionApplicationCommand,
				discordgo.InteractionMessageComponent.String():   discordgo.InteractionMessageComponent,
				discordgo.InteractionModalSubmit.String():        discordgo.InteractionModalSubmit,
			}
			_, ok := interactionTypes[askCommand.Type]
			require.Truef(
				t,
				ok,
				"%v not found in: %#v",
				askCommand.Type,
				interactionTypes,
			)

			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:                fmt.Sprintf("incoming_msg-%s", t.Name()),
					Content:           "Interaction response",
					Author:            user,
					Mentions:          []*discordgo.User{appUser},
					MessageReference:  originalMsg.Reference(),
					ReferencedMessage: &originalMsg,
					Interaction: &discordgo.MessageInteraction{
						ID:   askCommand.InteractionID,
						Type: interactionTypes[askCommand.Type],
						Name: DiscordSlashCommandAsk,
						User: user,
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)

			// Assert that a DiscordMessage was created with interaction ID
			var discordMsg DiscordMessage
			err = bot.db.First(&discordMsg, "message_id = ?", msg.ID).Error
			require.NoError(t, err)
			assert.Equal(t, msg.Interaction.ID, discordMsg.InteractionID)

			require.NoError(t, bot.db.Last(askCommand).Error)
			require.NotEmpty(t, msg.MessageReference.MessageID)
			assert.Equal(
				t,
				msg.MessageReference.MessageID,
				askCommand.DiscordMessageID,
			)
			time.Sleep(500 * time.Millisecond)
			require.NotNil(t, askCommand.User)
		},
	)

	t.Run(
		"Handle message for ignored user", func(t *testing.T) {
			ignoredUser := &discordgo.User{
				ID:         "ignored789",
				Username:   "ignoreduser",
				GlobalName: "Ignored User",
			}
			// Create and set the user as ignored
			dbUser, _, err := bot.GetOrCreateUser(ctx, *ignoredUser)
			require.NoError(t, err)
			_, err = bot.writeDB.Update(context.TODO(), dbUser, "ignored", true)
			require.NoError(t, err)

			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:      "msg789",
					Content: "Hello <@" + bot.config.Discord.ApplicationID + ">",
					Author:  ignoredUser,
					Mentions: []*discordgo.User{
						{ID: bot.config.Discord.ApplicationID},
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)

			// Assert that a DiscordMessage was created but no response was sent
			var discordMsg DiscordMessage
			err = bot.db.First(&discordMsg, "message_id = ?", msg.ID).Error
			require.NoError(t, err)
			assert.Equal(t, ignoredUser.ID, discordMsg.UserID)
		},
	)

	t.Run(
		"Handle multiple mentions", func(t *testing.T) {
			multiUser := &discordgo.User{
				ID:         "multi123",
				Username:   "multiuser",
				GlobalName: "Mutli User",
			}
			_, _, err := bot.GetOrCreateUser(ctx, *multiUser)
			require.NoError(t, err)

			msg := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:      "multimsg789",
					Content: "Hello <@" + bot.config.Discord.ApplicationID + ">",
					Author:  multiUser,
					Mentions: []*discordgo.User{
						{ID: bot.config.Discord.ApplicationID},
						{ID: fmt.Sprintf("otheruser-%s", t.Name())},
					},
				},
			}
			bot.handleDiscordMessage(ctx, msg)

			// Assert that a DiscordMessage was created but no response was sent
			var discordMsg DiscordMessage
			err = bot.db.First(&discordMsg, "message_id = ?", msg.ID).Error
			require.NoError(t, err)
			assert.Equal(t, multiUser.ID, discordMsg.UserID)
		},
	)
}

func TestJohnRobot_New_InvalidDatabaseType(t *testing.T) {
	dbType := "mysql"
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = dbType
	_, err := New(cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "invalid database type")
}

// TestGetOrCreateUser_CacheMiss tests the GetOrCreateUser method when the
// provided user ID exists in the DB, but hasn't yet been added to the
// bot's user cache
func TestGetOrCreateUser_CacheMiss(t *testing.T) {
	t.Parallel()

	discordUser := newDiscordUser(t)
	bot, _ := newJohnRobot(t)

	user, isNew, err := bot.GetOrCreateUser(context.Background(), *discordUser)
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NotNil(t, user)

	userID := user.ID

	writeDB, ok := bot.writeDB.(*database)
	require.True(t, ok)

	_, ok = writeDB.userCache[userID]
	require.True(t, ok)

	delete(writeDB.userCache, userID)

	_, ok = writeDB.userCache[userID]
	assert.False(t, ok)

	user, isNew, err = bot.GetOrCreateUser(context.Background(), *discordUser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, userID, user.ID)

	_, ok = writeDB.userCache[userID]
	assert.True(t, ok)
}

func waitForAskCommandFinish(
	t testing.TB,
	ctx context.Context,
	db *gorm.DB,
	interactionID string,
) *AskCommand {
	t.Helper()

	askCommandCh := make(chan *AskCommand, 1)

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				askCommandCh <- nil
				return
			case <-ticker.C:
				var askCommand AskCommand
				err := db.Joins("User").Where(
					"interaction_id = ?",
					interactionID,
				).First(&askCommand).Error

				if err == nil && (askCommand.State.IsFinal() || askCommand.FinishedAt != nil) {
					t.Logf(
						"interaction %s: ask command final state seen (%s): %#v",
						interactionID,
						askCommand.State,
						askCommand,
					)
					askCommandCh <- &askCommand
					return
				} else if askCommand.InteractionID == interactionID {
					t.Logf(
						"interaction %s: ask_command (state: %s): %#v",
						interactionID,
						askCommand.State,
						askCommand,
					)
				}
			}
		}
	}()
	askCommand := <-askCommandCh

	if askCommand == nil {
		t.Logf("expected ask command to not be nil")
	}
	return askCommand
}

// waitForAskCommandState polls, and returns true if the AskCommand reaches
// one of the given states
func waitForAskCommandState(
	t testing.TB,
	ctx context.Context,
	db *gorm.DB,
	askCommandID uint,
	state ...AskCommandState,
) bool {
	t.Helper()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var previousState AskCommandState
	for {
		select {
		case <-ctx.Done():
			t.Fatalf(
				"timeout waiting for ask command states '%v' (last seen: %s): %v",
				state,
				previousState.String(),
				ctx.Err(),
			)
		case <-ticker.C:
			askCommand := AskCommand{}
			askCommand.ID = askCommandID
			err := db.Select(columnAskCommandState).Take(&askCommand).Error
			require.NoError(t, err)
			previousState = askCommand.State
			for _, s := range state {
				if askCommand.State == s {
					return true
				}
			}
		}
	}
}

func waitForAskCommandCreation(
	t testing.TB,
	ctx context.Context,
	db *gorm.DB,
	interactionID string,
) *AskCommand {
	t.Helper()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for ask command creation: %v", ctx.Err())
		case <-ticker.C:
			var askCommand AskCommand
			err := db.Joins("User").Where(
				"interaction_id = ?",
				interactionID,
			).First(&askCommand).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				t.Fatalf("error getting ask command: %v", err)
			}
			return &askCommand
		}
	}
}

func createTestAskCommand(
	t testing.TB,
	ctx context.Context,
	d *JohnRobot,
	ids commandData,
) *AskCommand {
	t.Helper()
	discordUser := &discordgo.User{
		ID:       ids.UserID,
		Username: ids.Username,
	}

	interaction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			ID:   ids.InteractionID,
			User: discordUser,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandAsk,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  askCommandPromptOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: t.Name(),
					},
				},
			},
		},
	}

	handlerCh := make(chan struct{}, 1)

	go func() {
		d.handleInteraction(
			context.Background(),
			d.getInteractionHandlerFunc(context.Background(), interaction),
		)
		handlerCh <- struct{}{}
	}()

	cmdCheckCtx, cmdCheckCancel := context.WithTimeout(ctx, 10*time.Second)
	t.Cleanup(cmdCheckCancel)

	cmdCh := make(chan *AskCommand, 1)
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for cmdCheckCtx.Err() == nil {
			select {
			case <-cmdCheckCtx.Done():
				cmdCh <- nil
				return
			case <-ticker.C:
				var cmd AskCommand
				err := d.db.WithContext(cmdCheckCtx).Where(
					"user_id = ?",
					ids.UserID,
				).Last(&cmd).Error
				if err != nil {
					t.Logf("error getting ask command: %v", err)
				} else {
					cmdCh <- &cmd
					return
				}
			}
		}
	}()

	cmdAsk := <-cmdCh
	require.NotNil(t, cmdAsk)

	pollCtx, pollCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	t.Cleanup(pollCancel)
	rv := waitOnAskCommandFinalState(
		t,
		pollCtx,
		d.db,
		500*time.Millisecond,
		cmdAsk.ID,
	)
	if rv == nil {
		t.Fatalf("expected final state to not be nil")
	}
	require.NoError(t, d.hydrateAskCommand(ctx, cmdAsk))
	return cmdAsk
}

// waitOnAskCommandFinalState polls the given ask command and returns the
// final state seen - either because the command enters a 'final' state,
// or because the context was cancelled
func waitOnAskCommandFinalState(
	t testing.TB,
	ctx context.Context,
	db *gorm.DB,
	checkEvery time.Duration,
	askCommandID uint,
) *AskCommandState {
	t.Helper()
	ch := make(chan AskCommandState)
	ticker := time.NewTicker(checkEvery)

	go func() {
		defer close(ch)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				askCommand := AskCommand{}
				askCommand.ID = askCommandID
				err := db.Select(columnAskCommandState).Take(&askCommand).Error
				if err != nil {
					t.Logf(
						"error polling ask command: %v",
						err,
					)
					continue
				}
				ch <- askCommand.State
			}
		}
	}()

	for state := range ch {
		t.Logf(
			"AskCommand %d state: %s (final: %v)",
			askCommandID,
			state,
			state.IsFinal(),
		)
		if state.IsFinal() {
			return &state
		}
	}
	return nil
}
