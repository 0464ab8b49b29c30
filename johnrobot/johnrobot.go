package johnrobot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Build metadata, set via:
// -ldflags "-X github.com/MPronti/John-Robot/johnrobot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// WaitForResumeCheckInterval is how often paused work re-checks whether
// the bot has been resumed. A Gemini request started while the bot is
// paused, for example, polls at this interval and only executes once
// [RuntimeConfig.Paused] clears.
var WaitForResumeCheckInterval = 5 * time.Second

var defaultLogWriter io.Writer = os.Stdout

// newTintHandler builds the tinted stdout handler shared by every
// component logger, with source locations enabled.
func newTintHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// JohnRobot is the bot itself: the Discord connection, the Gemini
// client, the persistence layer, the personality/usage state file and
// the admin API, wired together. Create one with [New], then call
// [JohnRobot.Run].
type JohnRobot struct {
	config     *Config
	dbNotifier DBNotifier

	// Read-only GORM handle. Writes go through writeDB so SQLite
	// access can be serialized.
	db *gorm.DB

	// Write-side wrapper around db. With sqlite, mutations are
	// serialized behind a mutex; with postgres it's a passthrough.
	writeDB DBI

	// Root logger. Components derive their own loggers from the same
	// writer with their own levels.
	logger *slog.Logger

	// Discord session, handlers and helpers
	discord *Discord

	// Gemini API client wrapper
	gemini *Gemini

	// Personality names and system prompts, loaded from the state file
	personalities *PersonalityRegistry

	// Daily Gemini API usage counter, persisted to the state file
	usageTracker *UsageTracker

	// Backend admin API
	api *API

	// Receives Discord interactions over HTTP when the gateway
	// websocket isn't used
	discordWebhookServer *DiscordWebhookServer

	// Invoked for interactions delivered via the webhook server
	webhookInteractionHandler func(c *gin.Context)

	// getInteractionHandlerFunc returns the [InteractionHandler] for an
	// incoming interaction. Command execution is identical for gateway
	// and webhook delivery; only this constructor differs. Tests swap
	// it out to stub the Discord API.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalStop requests an explicit stop, such as from the
	// `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up:
	// database ready, state loaded, API serving, catchup launched and
	// the discord handlers registered.
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown has completed
	eventShutdown chan struct{}

	// runMu prevents concurrent Run calls
	runMu sync.Mutex

	// While paused, new commands are recorded as ignored and in-flight
	// Gemini requests hold until resumed.
	paused atomic.Bool

	// startedAt is when Run was called, for the health endpoint uptime
	startedAt time.Time

	// mentionReplies records when each user last got a greeting reply,
	// so @mention spam doesn't become reply spam
	mentionReplies   map[string]time.Time
	mentionRepliesMu sync.Mutex

	// pendingSetup is true while no admin credentials exist. Run holds
	// after the API starts, before any command processing, until
	// they're set - the bot shouldn't answer anyone before it can be
	// configured or stopped via the API.
	pendingSetup atomic.Bool

	// Settings that can be changed without a restart
	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// Number of AskCommand runs currently executing
	askCommandsInProgress atomic.Int64

	// Number of running button timer goroutines. These grey out the
	// follow-up reply button on answers before the interaction token
	// expires.
	buttonTimersRunning atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerUserCacheRefreshCh     chan bool
	triggerUserUpdatedRefreshCh   chan string
}

// New assembles a JohnRobot from the given config: loggers, the Gemini
// client, the personality registry and usage tracker, the Discord
// session and the admin API. Initialization errors are collected and
// returned joined. Call [JohnRobot.Run] on the result to actually
// start the bot.
func New(config *Config) (*JohnRobot, error) {
	var errs []error

	if config.DatabaseType != dbTypeSQLite && config.DatabaseType != dbTypePostgres {
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &JohnRobot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		mentionReplies:                map[string]time.Time{},
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerUserCacheRefreshCh:     make(chan bool, 1),
		triggerUserUpdatedRefreshCh:   make(chan string, 1),
	}

	d.logger = slog.New(newTintHandler(config.LogLevel))
	slog.SetDefault(d.logger)

	gemini, err := newGemini(context.Background(), d, config.HTTPClient)
	if err != nil {
		errs = append(errs, err)
	}
	d.gemini = gemini

	d.personalities = NewPersonalityRegistry(config.DataFile, d.logger)
	d.usageTracker = NewUsageTracker(
		config.DataFile,
		d.personalities.Prompts(),
		d.logger,
	)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newTintHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = slog.New(
		newTintHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")

	d.discord = disc
	disc.jr = d

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(d, config.Discord.WebhookServer)
		errs = append(errs, e)
		d.discordWebhookServer = webhookServer
	}

	return d, errors.Join(errs...)
}

func (d *JohnRobot) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// getLogger pulls the logger out of ctx, falling back to the bot's own
// logger (and stashing it back in the context) when none is set.
func (d *JohnRobot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (d *JohnRobot) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.runtimeConfig
}

// RegisterSlashCommands registers the bot's application commands with
// the Discord API, using the current runtime configuration for command
// descriptions and option limits.
func (d *JohnRobot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(d.RuntimeConfig(), options...)
}

// Run starts the bot and blocks until the context is canceled or a stop
// signal arrives, then shuts down gracefully.
//
// Startup order: validate config, open the database and load state,
// start the admin API, wait for admin credentials if none are set,
// catch up commands interrupted by the previous run, start the webhook
// server and/or discord gateway session, then start the cache
// refreshers and database notification listeners. A value is sent on
// signalReady once all of that is done.
func (d *JohnRobot) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(d)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	d.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	d.webhookInteractionHandler = webhookReceiveHandler(ctx, d)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// the runtime context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
		}
	}()

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initDone := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initDone <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup timed out or was canceled")
	case initErr := <-initDone:
		if initErr != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(initErr))
			if d.api != nil && d.api.listener != nil {
				go func() {
					if e := d.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return initErr
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := d.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if d.gemini.requestLimiter == nil {
		d.gemini.requestLimiter = rate.NewLimiter(
			rate.Limit(d.RuntimeConfig().GeminiMaxRequestsPerSecond),
			1,
		)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		logger.InfoContext(ctx, "starting command catchup")
		if catchupErr := d.catchupInterruptedAskCommands(ctx); catchupErr != nil {
			logger.ErrorContext(
				ctx,
				"error catching up interrupted commands",
				tint.Err(catchupErr),
			)
		}
	}()

	if d.config.WatchDataFile {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if watchErr := d.personalities.Watch(ctx); watchErr != nil {
				logger.ErrorContext(
					ctx,
					"error watching data file",
					tint.Err(watchErr),
				)
			}
		}()
	}

	runtimeCfg := d.RuntimeConfig()

	if d.config.Discord.WebhookServer.Enabled {
		d.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if connectErr := d.discordConnect(ctx, runtimeCfg, logger); connectErr != nil {
		return connectErr
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	d.startUserCacheRefresher(ctx, runtimeWG)
	d.startUserUpdatedListener(ctx, runtimeWG)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range []string{
		d.dbNotifier.RuntimeConfigChannelName(),
		d.dbNotifier.UserCacheChannelName(),
		d.dbNotifier.UserUpdateChannelName(),
	} {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := d.dbNotifier.Listen(ctx, channel); e != nil {
				d.logger.ErrorContext(
					ctx,
					"error listening to notification channel",
					tint.Err(e),
					"channel", channel,
				)
			}
		}()
	}

	// block until the runtime context is canceled - generally from an
	// interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// waitOnSetup blocks until admin credentials exist in the runtime
// config, polling the database. No-op when credentials are already set.
func (d *JohnRobot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !d.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"admin setup pending at: %s%s",
			d.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	setupDone := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var state RuntimeConfig
			logger.InfoContext(ctx, "checking for admin credentials")
			if err := d.db.Last(&state).Error; err != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(err),
				)
			}
			if state.AdminUsername != "" && state.AdminPassword != "" {
				setupDone <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context canceled waiting on setup, exiting")
		return d.shutdown(ctx, runtimeWG)
	case <-setupDone:
		d.pendingSetup.Store(false)
	}

	return nil
}

func (d *JohnRobot) initRun(startCtx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// Load or create the persisted runtime config. Keeping the paused
	// flag in the database means a crash can't silently revive a bot
	// that was deliberately paused.
	var botState RuntimeConfig

	getStateErr := d.db.Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		d.pendingSetup.Store(true)
		botState = DefaultRuntimeConfig()

		if _, err := d.writeDB.Create(startCtx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.runtimeConfig = &botState

	if d.personalities.Empty() {
		d.logger.Warn(
			"no personalities loaded, the ask command will refuse requests",
			"data_file", d.config.DataFile,
		)
	}

	return nil
}

// initDB opens the configured database, applies sqlite connection
// limits and pragmas where relevant, migrates the schema and warms the
// user cache.
func (d *JohnRobot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	gormLogger := newGORMLogger(
		newTintHandler(d.config.DatabaseLogLevel),
		d.config.DatabaseSlowThreshold,
	)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	d.db = db
	d.writeDB = NewDatabase(db, nil, d.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if d.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(pragma).Error; pragmaErr != nil {
				return fmt.Errorf("error executing %q: %w", pragma, pragmaErr)
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	err = txn.Migrator().AutoMigrate(
		&GeminiGenerateContent{},
		&User{},
		&AskCommand{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	_ = d.writeDB.LoadUsers()
	return nil
}

// initDiscordSession creates the discord session if needed, sets the
// gateway identify payload from the current pause state, and installs
// the connect/disconnect/interaction/message handlers.
func (d *JohnRobot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, remove := range d.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	if d.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: d.RuntimeConfig().DiscordCustomStatus,
		}
	}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			rctx context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				config:      d.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: d.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// discordConnect opens the gateway websocket and applies the custom
// status, if the gateway is enabled
func (d *JohnRobot) discordConnect(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !d.paused.Load() {
		go func() {
			if statusErr := d.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (d *JohnRobot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := d.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startRuntimeConfigRefresher starts the goroutines that re-read
// [RuntimeConfig] from the database: one forwards ticks into the
// trigger channel when a TTL is set, the other consumes the channel
// (ticks and notifier pokes alike) and runs the refresh with a timeout.
func (d *JohnRobot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := d.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-d.triggerRuntimeConfigRefreshCh:
				refreshDone := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					d.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshDone <- struct{}{}
				}()
				select {
				case <-refreshDone:
				case <-refreshCtx.Done():
					d.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (d *JohnRobot) refreshRuntimeConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	rollbackConfig := d.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && lastUpdated <= d.config.RuntimeConfigTTL {
		d.logger.Info("runtime config is up to date, skipping refresh")
		return
	}
	d.logger.Info(
		fmt.Sprintf("runtime config last updated %s ago, refreshing", lastUpdated),
	)
	d.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
}

// unsafeRefreshRuntimeConfig swaps in a freshly loaded runtime config
// and adjusts the discord connection to match. The caller must hold
// cfgMu.
func (d *JohnRobot) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	d.logger.Info("refreshing runtime configuration and user cache")
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		// gateway turned off: disconnect
		if discErr := d.discord.session.Close(); discErr != nil {
			d.logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		// gateway stayed on: sync the presence
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := d.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					d.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := d.discord.session.UpdateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				d.logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		// gateway turned on: reconnect with a fresh identify payload
		d.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := d.discord.session.Open(); discErr != nil {
			d.logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}

	d.runtimeConfig = existingConfig
	d.setRuntimeLevels(*existingConfig)

	d.logger.Info("refreshed runtime config")
}

// startUserCacheRefresher starts the goroutines that reload the user
// cache: a ticker feeding the trigger channel when a TTL is set, and a
// consumer that reloads on demand while ignoring redundant signals.
func (d *JohnRobot) startUserCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	userCacheTTL := d.config.UserCacheTTL

	if userCacheTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(userCacheTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerUserCacheRefreshCh <- false:
					case <-time.After(15 * time.Second):
						d.logger.Info("timed out sending user cache refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		var lastRefresh time.Time
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("context canceled, stopping user cache refresher")
				return
			case forceRefresh := <-d.triggerUserCacheRefreshCh:
				if !forceRefresh && !lastRefresh.IsZero() &&
					time.Since(lastRefresh) <= userCacheTTL {
					d.logger.Info("user cache recently refreshed, ignoring")
					continue
				}
				d.logger.Info("reloading user cache")
				d.refreshUserCache(ctx)
				lastRefresh = time.Now()
				d.logger.Info("finished reloading user cache")
			}
		}
	}()
}

func (d *JohnRobot) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-d.triggerUserUpdatedRefreshCh:
				if userID == "" {
					d.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				d.refreshUser(userID)
			}
		}
	}()
}

func (d *JohnRobot) refreshUser(userID string) {
	d.logger.Info("reloading user", "user_id", userID)
	_ = d.writeDB.ReloadUser(userID)
	d.logger.Info("reloaded user", "user_id", userID)
}

func (d *JohnRobot) refreshUserCache(_ context.Context) {
	d.writeDB.UserCacheLock()
	defer d.writeDB.UserCacheUnlock()
	_ = d.writeDB.LoadUsers()
}

// shutdown stops everything: it waits for in-flight work, then shuts
// down the HTTP servers, the Gemini client and the discord session.
// If [Config.ShutdownTimeout] elapses first, remaining connections are
// force-closed and an error is returned.
func (d *JohnRobot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown did not complete in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulDone := make(chan struct{}, 1)
	go func() {
		// in-flight requests first
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		stopHTTPServer := func(name string, srv *http.Server) {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping "+name)
				_ = srv.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, name+" stopped")
			}()
		}

		if d.api.httpServer != nil {
			stopHTTPServer("http server", d.api.httpServer)
		}
		if d.discordWebhookServer != nil {
			stopHTTPServer("webhook http server", d.discordWebhookServer.httpServer)
		}

		if d.gemini != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if closeErr := d.gemini.Close(); closeErr != nil {
					d.logger.Error("error closing gemini client", tint.Err(closeErr))
				}
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				for _, removeHandler := range d.discord.discordgoRemoveHandlerFuncs {
					removeHandler()
				}
			}()
		}

		go func() {
			d.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulDone <- struct{}{}
			d.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// either everything stops cleanly before the deadline, or
	// connections get force-closed
	for {
		select {
		case <-gracefulDone:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline),
				),
			)
		case <-closeCtx.Done():
			d.logger.Warn("shutdown did not complete in time, forcing close")

			go func() {
				_ = d.api.httpServer.Close()
			}()
			if d.discordWebhookServer != nil {
				go func() {
					_ = d.discordWebhookServer.httpServer.Close()
				}()
			}

			return fmt.Errorf("shutdown did not complete in time")
		}
	}
}

// setRuntimeLevels applies the log levels and Gemini request limit from
// the given runtime config to the live components
func (d *JohnRobot) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Gemini.LogLevel.Set(state.GeminiLogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	d.gemini.setRequestLimit(state.GeminiMaxRequestsPerSecond)
}

// Pause pauses the bot. While paused, incoming AskCommand interactions
// are recorded as ignored rather than executed, and in-flight Gemini
// requests hold until the bot is resumed. Returns false if the bot was
// already paused.
func (d *JohnRobot) Pause(ctx context.Context) bool {
	if d.paused.Swap(true) {
		return false
	}

	if err := d.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !d.runtimeConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx,
			d.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. Returns whether the bot was
// actually paused when called.
func (d *JohnRobot) Resume(ctx context.Context) bool {
	if !d.paused.Swap(false) {
		d.logger.Warn("bot not paused")
		return false
	}
	d.logger.InfoContext(ctx, "bot resumed")

	if err := d.discord.updateCustomStatus(d.runtimeConfig.DiscordCustomStatus); err != nil {
		d.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if d.runtimeConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx, d.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

// waitForPause blocks until the bot is unpaused, polling at
// [WaitForResumeCheckInterval]. Returns whether the bot was paused when
// called.
func (d *JohnRobot) waitForPause(ctx context.Context) bool {
	if !d.paused.Load() {
		return false
	}

	_, logger := d.getLogger(ctx)

	logger.Info("bot is paused, waiting for resume")
	for ctx.Err() == nil {
		if !d.paused.Load() {
			logger.Debug("bot resumed")
			break
		}
		time.Sleep(WaitForResumeCheckInterval)
	}
	return true
}

// GetOrCreateUser returns the cached User for the given discord user,
// creating a record on first sight. New users trigger a notification
// message in the background.
func (d *JohnRobot) GetOrCreateUser(
	ctx context.Context, u discordgo.User,
) (user *User, isNew bool, err error) {
	user, isNew, err = d.writeDB.GetOrCreateUser(ctx, d, u)
	if isNew {
		go d.discordNotifyNewUserSeen(ctx, user.Username, user.GlobalName, user.ID)
	}
	return user, isNew, err
}

func (d *JohnRobot) discordNotifyNewUserSeen(
	ctx context.Context,
	username string,
	globalName string,
	userID string,
) {
	ctx, log := d.getLogger(ctx)
	log = log.With(
		slog.Group(
			"new_user",
			"id", userID,
			"username", username,
			"global_name", globalName,
		),
	)
	log.Info("saw new user!")
	channelID := d.RuntimeConfig().DiscordNotificationChannelID
	if channelID == "" {
		log.Debug("no channel id set, not notifying of new user")
		return
	}
	if sendErr := d.discord.channelMessageSend(
		channelID,
		fmt.Sprintf(
			"**New user seen!** GlobalName: `%s` Username: `%s` UserID: `%s`",
			globalName,
			username,
			userID,
		),
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	); sendErr != nil {
		log.Error("error sending new user notification", tint.Err(sendErr))
	}
}

// handleInteraction routes an incoming Discord interaction: pings get a
// pong, modal submissions become follow-up questions, component clicks
// open the follow-up modal, and the /ask_gemini slash command is
// acknowledged, persisted and executed. An [InteractionLog] row is
// written for every interaction regardless of type.
func (d *JohnRobot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionModalSubmit:
		d.handleFollowupModal(ctx, handler, i)
	case discordgo.InteractionMessageComponent:
		rv, componentErr := d.interactionResponseToMessageComponent(ctx, i)
		if componentErr != nil {
			logger.ErrorContext(ctx, "error with component response", tint.Err(componentErr))
		}
		if rv != nil {
			if responseErr := handler.Respond(ctx, rv); responseErr != nil {
				logger.ErrorContext(
					ctx,
					"error responding to component interaction",
					tint.Err(responseErr),
				)
			}
		}
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		u, _, userErr := d.GetOrCreateUser(ctx, *discordUser)
		if userErr != nil {
			logger.ErrorContext(ctx, "error getting user", tint.Err(userErr))

			wg.Add(1)
			go func() {
				defer wg.Done()
				handler.Delete(ctx)
			}()
			return
		}

		logger = logger.With(slog.Group("user", userLogAttrs(*u)...))

		// commands from ignored users, or received while paused, are
		// recorded but never acknowledged
		if u.Ignored || d.paused.Load() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.handleIgnoredUserCommand(ctx, handler, u, i)
			}()
			return
		}

		if commandName != DiscordSlashCommandAsk {
			logger.WarnContext(ctx, "unknown command", "command_name", commandName)
			return
		}

		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		askCommand, cmdErr := NewAskCommand(u, i)
		if cmdErr != nil {
			logger.ErrorContext(ctx, "error creating ask_command", tint.Err(cmdErr))
		}
		if askCommand == nil {
			logger.Warn("unexpected nil command")
			return
		}
		askCommand.handler = handler

		if !d.persistAcknowledgedCommand(ctx, handler, askCommand) {
			return
		}

		logger = logger.With(
			slog.Group("ask_command", askCommandLogAttrs(*askCommand)...),
		)
		ctx = WithLogger(ctx, logger)

		d.runAskCommand(ctx, askCommand)
	}
}

// persistAcknowledgedCommand stores a freshly acknowledged command,
// then backfills the acknowledgement flag and the ID of the deferred
// response message. On failure the command is finalized with the error
// and false is returned.
func (d *JohnRobot) persistAcknowledgedCommand(
	ctx context.Context,
	handler InteractionHandler,
	c *AskCommand,
) bool {
	ctx, logger := d.getLogger(ctx)

	if _, createErr := d.writeDB.Create(ctx, c); createErr != nil {
		c.finalizeWithError(ctx, d, createErr)
		return false
	}

	msg, respErr := handler.GetResponse(ctx)
	if respErr != nil {
		logger.Error("error getting interaction response", tint.Err(respErr))
		c.finalizeWithError(ctx, d, respErr)
		return false
	}

	c.Acknowledged = true
	if c.DiscordMessageID == "" && msg != nil {
		c.DiscordMessageID = msg.ID
	}

	if _, updErr := d.writeDB.Updates(
		ctx,
		c,
		map[string]any{
			columnAskCommandAcknowledged:     c.Acknowledged,
			columnAskCommandDiscordMessageID: c.DiscordMessageID,
		},
	); updErr != nil {
		logger.ErrorContext(ctx, "error updating ask_command", tint.Err(updErr))
		c.finalizeWithError(ctx, d, updErr)
		return false
	}
	return true
}

// handleIgnoredUserCommand records a command from an ignored user, or
// one received while the bot is paused, as [AskCommandStateIgnored]
// without acknowledging the interaction.
func (d *JohnRobot) handleIgnoredUserCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"handling ignored user interaction",
		"command_name", commandName,
	)
	if commandName != DiscordSlashCommandAsk {
		return
	}
	askCommand, err := NewAskCommand(u, i)
	if err != nil {
		logger.ErrorContext(ctx, "error creating AskCommand", tint.Err(err))
		return
	}
	askCommand.handler = handler
	askCommand.State = AskCommandStateIgnored

	if _, createErr := d.writeDB.Create(ctx, askCommand); createErr != nil {
		logger.ErrorContext(ctx, "error saving ask_command record", tint.Err(createErr))
		return
	}
	logger.InfoContext(
		ctx,
		"created new (ignored) ask command",
		"ask_command", askCommand,
	)
}

// handleFollowupModal processes a submitted follow-up question modal.
//
// The modal's text input carries the component custom ID of the reply
// button it was opened from, which points back at the parent
// [AskCommand]. A new follow-up AskCommand is created inheriting the
// parent's personality and model, with the parent's exchange as its
// context, then answered the same way as a slash command.
func (d *JohnRobot) handleFollowupModal(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := d.getLogger(ctx)

	modalData := i.ModalSubmitData()
	logger.InfoContext(
		ctx,
		"got modal data",
		"data", structToSlogValue(modalData),
	)
	if modalData.CustomID != followupModalCustomID {
		logger.WarnContext(
			ctx,
			"unexpected modal custom_id",
			"custom_id", modalData.CustomID,
		)
		return
	}

	textInput := getTextInputFromInteraction(modalData)
	if textInput == nil {
		logger.ErrorContext(ctx, "no text input found in modal submission")
		d.respondFollowupError(ctx, handler)
		return
	}

	customID, err := decodeCustomID(textInput.CustomID)
	if err != nil || customID.Component != followupButtonReply {
		logger.ErrorContext(
			ctx,
			"error decoding modal custom_id",
			tint.Err(err),
			"custom_id", textInput.CustomID,
		)
		d.respondFollowupError(ctx, handler)
		return
	}

	var parentCmd AskCommand
	rv := d.db.Where("custom_id = ?", customID.ID).Omit("User").First(&parentCmd)
	if rv.Error != nil {
		logger.ErrorContext(
			ctx,
			"error finding ask_command for the given custom_id",
			tint.Err(rv.Error),
			"custom_id", customID.ID,
		)
		d.respondFollowupError(ctx, handler)
		return
	}
	parent := &parentCmd

	if err = d.hydrateAskCommand(ctx, parent); err != nil {
		logger.ErrorContext(ctx, "hydration error", tint.Err(err))
		d.respondFollowupError(ctx, handler)
		return
	}

	discordUser := getDiscordUser(i)
	u, _, err := d.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		d.respondFollowupError(ctx, handler)
		return
	}

	followup := newFollowUpAskCommand(parent, u, i, textInput.Value)
	followup.handler = handler

	logger = logger.With(
		slog.Group("ask_command", askCommandLogAttrs(*followup)...),
	)
	ctx = WithLogger(ctx, logger)

	if followup.State == AskCommandStateIgnored || d.paused.Load() {
		followup.State = AskCommandStateIgnored
		if _, createErr := d.writeDB.Create(ctx, followup); createErr != nil {
			logger.ErrorContext(ctx, "error saving ask_command record", tint.Err(createErr))
		} else {
			logger.InfoContext(
				ctx,
				"created new (ignored) follow-up command",
				"ask_command", followup,
			)
		}
		return
	}

	if ackErr := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging modal", tint.Err(ackErr))
		return
	}

	if !d.persistAcknowledgedCommand(ctx, handler, followup) {
		return
	}

	d.runAskCommand(ctx, followup)
}

// respondFollowupError responds to a not-yet-acknowledged modal
// submission with an ephemeral error message.
func (d *JohnRobot) respondFollowupError(
	ctx context.Context,
	handler InteractionHandler,
) {
	if err := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					newErrorEmbed(followupErrorMessage),
				},
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending follow-up error response",
			tint.Err(err),
		)
	}
}

// interactionResponseToMessageComponent handles a click on the
// follow-up reply button, returning the modal to respond with - or a
// no-op acknowledgement when the button is no longer usable.
func (d *JohnRobot) interactionResponseToMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	ctx, logger := d.getLogger(ctx)

	componentData := i.MessageComponentData()
	customID, err := decodeCustomID(componentData.CustomID)
	if err != nil {
		logger.ErrorContext(ctx, "error decoding custom_id", tint.Err(err))
		return nil, fmt.Errorf("error decoding custom_id: %w", err)
	}

	logger.InfoContext(
		ctx,
		"received button component interaction",
		"custom_id", customID,
		"component_data", structToSlogValue(componentData),
	)

	logger = logger.With("custom_id", customID)
	ctx = WithLogger(ctx, logger)

	if customID.Component != followupButtonReply {
		logger.WarnContext(ctx, "unknown component, ignoring")
		return nil, nil
	}

	var askCmd AskCommand
	rv := d.db.Where("custom_id = ?", customID.ID).Omit("User").First(&askCmd)
	if rv.Error != nil {
		logger.ErrorContext(
			ctx,
			"error finding ask_command for the given custom_id",
			tint.Err(rv.Error),
			"custom_id", customID.ID,
		)
		return nil, fmt.Errorf(
			"error finding ask_command for custom_id '%s': %w",
			customID.ID, rv.Error,
		)
	}
	askCommand := &askCmd

	if err = d.hydrateAskCommand(ctx, askCommand); err != nil {
		logger.ErrorContext(ctx, "hydration error", tint.Err(err))
		return nil, fmt.Errorf("error hydrating ask_command: %w", err)
	}
	config := d.RuntimeConfig()

	// The button may still be visible after it stopped being usable -
	// the timer that greys it out edits the message on a best-effort
	// basis. Acknowledge the click without doing anything.
	if !config.FollowupEnabled ||
		askCommand.FollowupButton != FollowupButtonStateEnabled ||
		askCommand.InteractionTokenExpired(time.Now().UTC()) {
		logger.InfoContext(
			ctx,
			"followup button no longer active",
			"ask_command", askCommand,
		)
		return &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		}, nil
	}

	modalLabel := truncate(
		config.FollowupModalInputLabel,
		discordModalInputLabelMaxLength,
	)
	modalResponse := discordModalResponse(
		componentData.CustomID,
		config.FollowupModalTitle,
		modalLabel,
		config.FollowupModalPlaceholder,
		0,
		config.FollowupModalMaxLength,
	)
	logger.DebugContext(
		ctx,
		"modal response",
		"modal_response", modalResponse,
	)
	return modalResponse, nil
}

// handleDiscordMessage processes a message seen on the gateway. Replies
// to the bot's own interactions are recorded and linked back to their
// [AskCommand]; messages that mention only the bot get a greeting reply
// with example slash command usage, rate limited per user. Everything
// else is ignored. Run as a goroutine per message.
func (d *JohnRobot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := d.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	if m.MentionEveryone {
		logger.DebugContext(
			ctx,
			"ignoring message mentioning everyone",
			"message",
			structToSlogValue(m),
		)
		return
	}

	if len(m.Mentions) == 0 && m.ReferencedMessage == nil {
		logger.DebugContext(
			ctx,
			"ignoring message with no mentions or interaction",
			"message",
			structToSlogValue(m),
		)
		return
	}

	discordUser := m.Author
	if discordUser == nil && m.Member != nil {
		discordUser = m.Member.User
	}
	if discordUser == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if discordUser.Bot || discordUser.ID == d.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", "user", discordUser)
		return
	}

	dm := NewDiscordMessage(m.Message)

	mentionsBot := messageMentionsUser(
		m.Message,
		d.config.Discord.ApplicationID,
	)

	// not a reply to one of the bot's interactions, and the bot isn't
	// mentioned: nothing to do
	if dm.InteractionID == "" && !mentionsBot {
		logger.Debug("no interaction, no mentions, ignoring")
		return
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	// whichever branch handles it, the message itself gets recorded
	defer func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.writeDB.Create(ctx, &dm); err != nil {
				logger.ErrorContext(
					ctx,
					"error creating discord message log",
					tint.Err(err), "discord_message",
					dm,
				)
				return
			}
			logger.InfoContext(
				ctx,
				"saved discord message mentioning bot",
				"discord_message",
				dm,
			)
		}()
	}()

	switch {
	case dm.InteractionID != "":
		d.attachReplyToAskCommand(ctx, logger, wg, dm)
	case mentionsBot:
		d.greetOnMention(ctx, logger, m, discordUser)
	}
}

// greetOnMention replies to a message that mentions only the bot,
// unless the user is ignored or was greeted within
// [discordMentionCooldown].
func (d *JohnRobot) greetOnMention(
	ctx context.Context,
	logger *slog.Logger,
	m *discordgo.MessageCreate,
	discordUser *discordgo.User,
) {
	if len(m.Mentions) != 1 {
		logger.InfoContext(ctx, "multiple mentions, will not respond to message")
		return
	}
	u, _, err := d.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting or creating user", tint.Err(err))
		return
	}
	if u.Ignored {
		logger.WarnContext(
			ctx,
			"ignoring direct message from ignored user",
			"user", u,
		)
		return
	}

	d.mentionRepliesMu.Lock()
	lastReply, seen := d.mentionReplies[u.ID]
	canReply := !seen || time.Since(lastReply) >= discordMentionCooldown
	if canReply {
		d.mentionReplies[u.ID] = time.Now()
	}
	d.mentionRepliesMu.Unlock()

	if !canReply {
		logger.InfoContext(
			ctx,
			"recently replied to a mention from this user, not responding",
			"user", u,
		)
		return
	}
	if _, err = d.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		discordMentionResponse,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending mention reply", tint.Err(err))
	}
}

// attachReplyToAskCommand looks up the [AskCommand] a reply refers to
// and, if the command doesn't have a discord message ID yet, backfills
// it from the referenced message.
func (d *JohnRobot) attachReplyToAskCommand(
	ctx context.Context,
	logger *slog.Logger,
	wg *sync.WaitGroup,
	dm DiscordMessage,
) {
	var askCommand AskCommand
	err := d.db.Select("id", columnAskCommandInteractionID).Take(
		&askCommand,
		"interaction_id = ?",
		dm.InteractionID,
	).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		logger.InfoContext(
			ctx,
			"no AskCommand found for interaction",
			"interaction_id",
			dm.InteractionID,
		)
		return
	case err != nil:
		logger.ErrorContext(ctx, "error finding ask command", tint.Err(err))
		return
	}

	logger.InfoContext(ctx, "found matching message", "discord_message", dm)
	if askCommand.DiscordMessageID != "" {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, updErr := d.writeDB.Update(
			ctx,
			&askCommand,
			columnAskCommandDiscordMessageID,
			dm.ReferencedMessageID,
		); updErr != nil {
			logger.Error(
				"error updating ask_command with new discord_message_id",
				tint.Err(updErr),
			)
		}
	}()
}

// runAskCommand executes an acknowledged AskCommand, then runs the
// button timer if a follow-up reply button was attached to the answer.
// Intended to be run as a goroutine.
func (d *JohnRobot) runAskCommand(ctx context.Context, c *AskCommand) {
	d.askCommandsInProgress.Add(1)
	defer d.askCommandsInProgress.Add(-1)

	c.Answer(ctx, d)

	if c.FollowupButton == FollowupButtonStateEnabled {
		d.askCommandButtonTimer(ctx, c)
	}
}

// catchupInterruptedAskCommands cleans up AskCommand records left over
// from a previous run.
//
// A Gemini request can't be resumed across restarts the way a queued
// job could, so records still in a non-terminal state are marked
// expired - their interaction deadlines have passed, or will before
// anything useful could be delivered. Completed answers whose
// follow-up reply button is still enabled get their button timers
// restarted, or are finalized in the database if the interaction token
// already expired.
func (d *JohnRobot) catchupInterruptedAskCommands(ctx context.Context) error {
	d.waitForPause(ctx)
	ctx, logger := d.getLogger(ctx)

	interrupted, err := d.writeDB.UpdatesWhere(
		ctx,
		&AskCommand{},
		map[string]any{columnAskCommandState: AskCommandStateExpired},
		"state IN ?",
		[]string{
			AskCommandStateReceived.String(),
			AskCommandStateInProgress.String(),
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error expiring interrupted commands",
			tint.Err(err),
		)
		return err
	}
	if interrupted > 0 {
		logger.WarnContext(
			ctx,
			"expired interrupted commands from previous run",
			"count", interrupted,
		)
	}

	var buttonsOpen []AskCommand
	rv := d.db.WithContext(ctx).Order("created_at asc").Find(
		&buttonsOpen,
		"followup_button = ?",
		FollowupButtonStateEnabled,
	)
	if rv.Error != nil {
		logger.ErrorContext(
			ctx,
			"error performing catchup query",
			tint.Err(rv.Error),
		)
		return rv.Error
	}

	if len(buttonsOpen) == 0 {
		logger.InfoContext(ctx, "no interrupted commands to catch up")
		return nil
	}

	wg := &sync.WaitGroup{}
	for idx := range buttonsOpen {
		askCmd := &buttonsOpen[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()

			d.waitForPause(ctx)

			if hydrateErr := d.hydrateAskCommand(ctx, askCmd); hydrateErr != nil {
				logger.ErrorContext(ctx, "error hydrating", tint.Err(hydrateErr))
				return
			}
			if askCmd.InteractionTokenExpired(time.Now().UTC()) {
				logger.InfoContext(
					ctx,
					"interaction expired, disabling followup button",
					"ask_command", askCmd,
				)
				askCmd.mu.Lock()
				askCmd.finalizeExpiredButtons(ctx, d.writeDB)
				askCmd.mu.Unlock()
				return
			}
			logger.InfoContext(ctx, "restarting button timer")
			d.askCommandButtonTimer(ctx, askCmd)
		}()
	}
	wg.Wait()

	return nil
}

// hydrateAskCommand reloads a partially loaded AskCommand from the
// database and restores its runtime-only state: mutex, interaction
// handler and cached user.
func (d *JohnRobot) hydrateAskCommand(
	ctx context.Context,
	c *AskCommand,
) error {
	ctx, logger := d.getLogger(ctx)
	logger.Info("hydrating ask_command", "ask_command_id", c.ID)
	if c.mu == nil {
		c.mu = &sync.RWMutex{}
	}

	if c.handler == nil {
		c.handler = d.getInteractionHandlerFunc(
			ctx,
			&discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					AppID: c.AppID,
					ID:    c.InteractionID,
					Token: c.Token,
				},
			},
		)
	}

	c.User = d.writeDB.GetUser(c.UserID)

	err := d.db.First(c).Error
	if err != nil {
		logger.ErrorContext(ctx, "error hydrating AskCommand", tint.Err(err))
	}
	return err
}

// askCommandButtonTimer waits until the follow-up reply button should
// no longer be usable - a fixed window after the answer was delivered,
// or a minute before the interaction token expires, whichever comes
// first - and then greys out the button if it hasn't been removed
// already.
func (d *JohnRobot) askCommandButtonTimer(
	ctx context.Context,
	c *AskCommand,
) {
	d.buttonTimersRunning.Add(1)
	defer d.buttonTimersRunning.Add(-1)

	ctx, logger := d.getLogger(ctx)

	ctx, cancel := context.WithDeadline(ctx, c.Deadline())
	defer cancel()

	removeAt := c.removeButtonsAt()
	removeIn := time.Until(removeAt)

	if removeIn <= 0 {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.finalizeExpiredButtons(ctx, d.writeDB)
		return
	}

	logger.InfoContext(
		ctx,
		fmt.Sprintf(
			"scheduling followup button to be disabled at: %s",
			removeAt,
		),
		"remove_at", removeAt,
		"remove_in", removeIn,
	)
	timer := time.NewTimer(removeIn)
	defer timer.Stop()

	// countdown log while waiting
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "context canceled, stopping timer to remove buttons")
			return
		case <-ticker.C:
			logger.DebugContext(
				ctx,
				fmt.Sprintf("%s remaining until buttons disabled", time.Until(removeAt)),
			)
		case <-timer.C:
			c.mu.Lock()
			if c.FollowupButton != FollowupButtonStateEnabled {
				c.mu.Unlock()
				return
			}
			if err := c.removeFollowupButton(ctx); err != nil {
				logger.ErrorContext(
					ctx,
					"error removing followup button",
					tint.Err(err),
				)
			}
			c.finalizeExpiredButtons(ctx, d.writeDB)
			c.mu.Unlock()
			return
		}
	}
}

// discordNotifyError sends details of a failed command to the
// configured notification channel, if one is set.
func (d *JohnRobot) discordNotifyError(c *AskCommand, err error) {
	if err == nil {
		return
	}
	logger := d.logger
	if c.handler != nil {
		logger = c.handler.Logger()
	}
	config := d.RuntimeConfig()
	if config.DiscordNotificationChannelID == "" {
		logger.Debug("no discord notification channel set, skipping message send")
		return
	}
	if sendErr := d.discord.channelMessageSend(
		config.DiscordNotificationChannelID,
		fmt.Sprintf(
			"## Error!\n\n"+
				"- AskCommand ID: `%d`\n"+
				"- Interaction ID: `%s`\n"+
				"- User ID: `%s`\n"+
				"- Personality: `%s`\n"+
				"- State: `%s`\n"+
				"- Model: `%s`\n"+
				"### Error\n"+
				"```\n"+
				"%s\n"+
				"```\n"+
				"### Prompt\n"+
				"```\n"+
				"%s\n"+
				"```\n",
			c.ID,
			c.InteractionID,
			c.UserID,
			c.Personality,
			c.State,
			c.Model,
			shortenString(err.Error(), 900),
			shortenString(strings.ReplaceAll(c.Prompt, "`", " "), 800),
		),
	); sendErr != nil {
		logger.Error(
			"error sending error notification",
			tint.Err(sendErr),
		)
	}
}

// discordNotifyCommandPanicked notifies the configured notification
// channel about a command that panicked. No-op when
// [CommandOptions.DiscordNotificationChannelID] is unset.
func (d *JohnRobot) discordNotifyCommandPanicked(c *AskCommand, rv any) {
	opts := d.RuntimeConfig()
	if opts.DiscordNotificationChannelID == "" {
		return
	}
	if sendErr := d.discord.channelMessageSend(
		opts.DiscordNotificationChannelID,
		fmt.Sprintf(
			"# **Panic in AskCommand!**\n"+
				"- User ID: `%s`\n"+
				"- AskCommand ID: `%d`\n"+
				"- Interaction ID: `%s`\n"+
				"- Panic: `%v`\n"+
				"- Prompt: `%s`\n",
			c.UserID,
			c.ID,
			c.InteractionID,
			rv,
			c.Prompt,
		),
		discordgo.WithRestRetries(1),
		discordgo.WithRetryOnRatelimit(true),
	); sendErr != nil {
		d.logger.Error(
			"error sending panic notification",
			tint.Err(sendErr),
		)
	}
}

// handleRecover logs a recovered panic with its stack trace. Only used
// from command goroutines, when [CommandOptions.RecoverPanic] is set.
func (*JohnRobot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(v),
			"stack_trace", stackTrace,
		)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", rc,
			"stack_trace", stackTrace,
		)
	}
}

// InteractionHandler abstracts responding to a Discord interaction so
// command execution doesn't care whether the interaction arrived over
// the gateway websocket or the webhook server.
type InteractionHandler interface {
	// Respond sends the initial interaction response.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse fetches the message created by the initial response.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies the original interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes the interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// Followup sends an additional message after the initial response.
	Followup(
		ctx context.Context,
		params *discordgo.WebhookParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupEdit modifies a previously sent followup message.
	FollowupEdit(
		ctx context.Context,
		messageID string,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original interaction event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod reports how the interaction arrived.
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger

	// Config returns the command options snapshot for this handler.
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] for interactions
// received over the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	if err := w.session.InteractionRespond(w.interaction.Interaction, response); err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		return err
	}
	w.logger.InfoContext(ctx, "responded to interaction")
	return nil
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
		return msg, err
	}
	w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	return msg, nil
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
		return msg, err
	}
	w.logger.InfoContext(ctx, "edited interaction")
	return msg, nil
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup message", tint.Err(err))
		return msg, err
	}
	w.logger.InfoContext(ctx, "sent followup message")
	return msg, nil
}

func (w GatewayHandler) FollowupEdit(
	ctx context.Context,
	messageID string,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageEdit(
		w.interaction.Interaction,
		messageID,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing followup message", tint.Err(err))
		return msg, err
	}
	w.logger.InfoContext(ctx, "edited followup message")
	return msg, nil
}
