package johnrobot

import (
	"context"
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathUpdateUser       = "/user/:id"
	apiPathUserHistory      = "/user/:id/history"
	apiPathUsers            = "/users"
	apiPathReloadUsers      = "/users/reload"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiDiscordInteractions  = "/discord/interactions"
	apiPathConfig           = "/config"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathUsage            = "/usage"
	apiListAskCommands      = "/ask_commands"
	apiPathGetAskCommand    = "/ask_command/:id"

	apiPathGetDiscordMessages = "/discord_messages"

	apiPathGeminiGenerateContent = "/gemini/logs/generate_content"

	apiPathDiscordGatewayBot = "/discord/gateway/bot"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

// Sort is a query sort direction, either [Ascending] or [Descending].
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It owns the gin engine, the TLS
// listener, the session cookie store and the per-route request
// counters, and delegates request handling to [APIHandlers].
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI assembles the admin server: gin engine, session middleware,
// TLS config, routes and handlers. The returned API doesn't listen
// until [API.Serve] is called.
func newAPI(d *JohnRobot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newTintHandler(config.LogLevel))

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	api.logger = setupLogger.With(loggerNameKey, "api")

	r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, err := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(d))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathGetAskCommand, apiHandlers.getAskCommandDetail)
	protected.GET(apiPathGetDiscordMessages, apiHandlers.getDiscordMessages)
	protected.GET(apiListAskCommands, apiHandlers.getAskCommands)
	protected.GET(apiPathUsage, apiHandlers.getUsage)

	protected.POST(apiPathReloadUsers, apiHandlers.reloadUsers)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.GET(apiPathUserHistory, apiHandlers.getUserHistory)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)
	protected.GET(
		apiPathGeminiGenerateContent,
		apiHandlers.getGeminiGenerateContentLogs,
	)
	protected.GET(apiPathDiscordGatewayBot, apiHandlers.getDiscordGatewayBot)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

// Serve listens on the configured address and serves until the
// listener closes. The TLS listener is stored on the API so startup
// code can report the bound address.
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		panic(err)
	}
	a.listener = tls.NewListener(ln, a.httpServer.TLSConfig)
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

// NewCookieStore adapts a gorilla cookie store to the gin-contrib
// sessions interface.
func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers carries the per-endpoint handlers for the admin API.
type APIHandlers struct {
	d      *JohnRobot
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers builds the handler set and its session store. The
// store key derives from the configured API secret; without one, a
// random key is generated and sessions won't survive a restart.
func NewAPIHandlers(d *JohnRobot) *APIHandlers {
	logger := d.logger.With(loggerNameKey, "api")

	var secretKey []byte
	if sk := d.config.API.Secret; sk == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	} else {
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(d.config.API.SessionMaxAge.Seconds()),
			SameSite: sessionSameSite(d.config.API.Development),
		},
	)
	return &APIHandlers{d: d, logger: logger, store: store}
}

// sessionSameSite relaxes the cookie policy in development, where the
// UI is typically served from a different origin than the API.
func sessionSameSite(development bool) http.SameSite {
	if development {
		return http.SameSiteNoneMode
	}
	return http.SameSiteStrictMode
}

// setupStatus reports whether the initial admin setup still needs to
// be done.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.d.pendingSetup.Load()})
}

// adminSetup sets the admin username and password on first run.
// Returns 403 once credentials exist, 201 on success.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if !h.d.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var setup adminSetupPayload
	if err := c.ShouldBindJSON(&setup); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	password, err := HashPassword(setup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.d.writeDB.Updates(
		context.Background(),
		h.d.runtimeConfig, map[string]any{
			columnRuntimeConfigAdminUsername: setup.Username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.d.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler checks the posted credentials against the stored admin
// account and, when they match, writes a session cookie. Attempts are
// rate limited to one per second.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.d.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.d.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.d.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.d.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		// Clear out any stale cookie the client sent.
		if sess, _ := h.store.Get(c.Request, sessionVarName); sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.d.api.config.SessionMaxAge.Seconds()),
		SameSite: sessionSameSite(h.d.api.config.Development),
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// logoutHandler clears the username from the session cookie.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn reports the current session's username, or 401 if there's
// no valid session.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.d.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// healthCheck reports pause state, uptime, in-flight command count and
// the Discord gateway connection status.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	var uptime string
	if !h.d.startedAt.IsZero() {
		uptime = time.Since(h.d.startedAt).Round(time.Second).String()
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.d.paused.Load(),
			Uptime:                  uptime,
			CommandsInProgress:      h.d.askCommandsInProgress.Load(),
			DiscordGatewayConnected: h.d.discord.connected.Load(),
		},
	)
}

// getUsage reports the current date and the day's API call count.
func (h *APIHandlers) getUsage(c *gin.Context) {
	c.JSON(
		http.StatusOK, usageResponse{
			Date:  h.d.usageTracker.today(),
			Count: h.d.usageTracker.Peek(),
		},
	)
}

// getConfig returns the bot's current runtime configuration.
func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.RuntimeConfig())
}

// updateRuntimeConfig applies a partial runtime config update. The
// update is validated inside the DB transaction and rolled back in
// memory on failure. On success the change fans out: log levels,
// pause state, gateway status, slash command definitions and per-user
// defaults are all brought in line, and other bot instances are
// notified to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	d := h.d
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := d.runtimeConfig
	rollbackConfig := *existingConfig

	updates, err := bindUpdateMap(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error marshaling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error marshaling update request"},
		)
		return
	}
	logger.InfoContext(c, "applying updates", "updates", updates)

	var updateError error
	var statusCode int
	var ginResponse gin.H

	_ = h.d.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		h.d.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	d.setRuntimeLevels(*existingConfig)

	wasPaused := d.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(d, logger, rollbackConfig, existingConfig)

	if existingConfig.DiscordNotificationChannelID != rollbackConfig.DiscordNotificationChannelID {
		go sendStartupMessage(h.d.discord, logger, *existingConfig)
	}

	// Slash command parameter changes only take effect once the
	// commands are overwritten on Discord's side.
	g := new(errgroup.Group)

	g.Go(
		func() error {
			e := overwriteDiscordCommands(
				h.d.discord,
				logger,
				rollbackConfig,
				*existingConfig,
			)
			if e != nil {
				e = fmt.Errorf("error overwriting commands: %w", e)
			}
			return e
		},
	)

	g.Go(
		func() error {
			e := updateUsersFromRuntimeConfig(
				ctx,
				h.d.writeDB,
				updateRequest,
				&rollbackConfig,
			)
			if e != nil {
				e = fmt.Errorf("error updating users: %w", e)
			}
			return e
		},
	)

	if updErr := g.Wait(); updErr != nil {
		logger.Error("error processing update(s)", tint.Err(updErr))
	}

	c.JSON(http.StatusAccepted, existingConfig)

	if !h.d.dbNotifier.ReloadRuntimeConfig(ctx) {
		logger.Error("error sending config update notification")
	}
	if !h.d.dbNotifier.ReloadUserCache(ctx) {
		logger.Error("error sending user cache notification")
	}
}

// updateUser applies a partial update to a single user record and
// notifies other instances to reload that user.
func (h *APIHandlers) updateUser(c *gin.Context) {
	log := ginContextLogger(c)

	var update apiPatchUser
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	userID := c.Param("id")
	user := h.d.writeDB.GetUser(userID)
	if user == nil {
		log.Warn("User not found", columnUserID, userID)
		c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
		return
	}

	updateData, err := bindUpdateMap(update)
	if err != nil {
		log.Error("error marshaling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error marshaling update request"},
		)
		return
	}

	if len(updateData) == 0 {
		c.JSON(http.StatusAccepted, user)
		return
	}

	log.Info("updating user", "user", user, "updates", updateData)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err = h.d.writeDB.Updates(ctx, user, updateData); err != nil {
		log.Error("error updating user", columnUserID, userID, tint.Err(err))
		_ = h.d.writeDB.ReloadUser(userID)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating User"})
		return
	}
	c.JSON(http.StatusAccepted, h.d.writeDB.ReloadUser(userID))

	h.d.dbNotifier.UserUpdated(ctx, userID)
}

// getUsers lists users with pagination, optionally annotated with
// per-user stats.
func (h *APIHandlers) getUsers(c *gin.Context) {
	var pagination GetUsersQuery
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var users []User
	err := applySort(
		h.d.db.Limit(pagination.Limit).Offset(pagination.Offset),
		pagination.Order,
		"id",
	).Find(&users).Error
	if err != nil {
		log.Error("error getting users", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting users"})
		return
	}

	if !pagination.IncludeStats {
		c.JSON(http.StatusOK, users)
		return
	}

	usersWithStats := make([]userWithStats, len(users))

	// FIXME compile stats with `user_id IN (...)` queries instead of
	//   querying per-user

	g, _ := errgroup.WithContext(context.Background())
	for ind, u := range users {
		g.Go(
			func() error {
				withStats := userWithStats{User: u}
				stats, e := u.getStats(context.Background(), h.d.db)
				withStats.UserStats = &stats
				if e == nil {
					usersWithStats[ind] = withStats
				}
				return e
			},
		)
	}
	if e := g.Wait(); e != nil {
		log.Error("error getting user stats", tint.Err(e))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting user stats"},
		)
		return
	}

	c.JSON(http.StatusOK, usersWithStats)
}

// getUserHistory lists a user's past commands, newest or oldest
// first, including prompt, response and error details.
func (h *APIHandlers) getUserHistory(c *gin.Context) {
	log := ginContextLogger(c)
	var queryParams userHistoryQueryParams
	if err := c.ShouldBindQuery(&queryParams); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if queryParams.Sort == "" {
		queryParams.Sort = Ascending
	}
	if queryParams.Limit == 0 {
		queryParams.Limit = 20
	}

	// this occasionally hung, so cap it with a timeout
	timeoutCtx, cancel := context.WithTimeout(
		context.Background(),
		15*time.Second,
	)
	defer cancel()
	userID := c.Param("id")
	var user User

	if err := h.d.db.WithContext(timeoutCtx).First(
		&user,
		"id = ?",
		userID,
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("user not found", columnUserID, userID)
			c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
			return
		}
		log.Error("error getting user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting user"})
		return
	}

	var askCommands []AskCommand
	stmt := applySort(
		h.d.db.WithContext(timeoutCtx).Limit(queryParams.Limit),
		queryParams.Sort,
		"id",
	)
	err := stmt.Select(
		columnAskCommandID,
		columnAskCommandCreatedAt,
		columnAskCommandPrompt,
		columnAskCommandPromptContext,
		columnAskCommandPersonality,
		columnAskCommandModel,
		columnAskCommandInteractionID,
		columnAskCommandResponse,
		columnAskCommandError,
		columnAskCommandState,
		columnAskCommandUsageCount,
		columnAskCommandParentID,
	).Where("user_id = ?", user.ID).Find(&askCommands).Error
	if err != nil {
		log.Error("error getting user history", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting user history"},
		)
		return
	}

	history := make([]userHistoryItem, len(askCommands))
	for ind, ac := range askCommands {
		history[ind] = userHistoryItem{
			Username:      user.Username,
			GlobalName:    user.GlobalName,
			UserID:        user.ID,
			Prompt:        ac.Prompt,
			PromptContext: ac.PromptContext,
			Personality:   ac.Personality,
			Model:         ac.Model,
			State:         ac.State,
			Response:      ac.Response,
			UsageCount:    ac.UsageCount,
			CreatedAt:     time.UnixMilli(ac.CreatedAt).UTC(),
			AskCommandID:  ac.ID,
			InteractionID: ac.InteractionID,
			FollowUp:      ac.ParentID != nil,
			Error:         string(ac.Error),
		}
	}

	log.Info(fmt.Sprintf("found %d records", len(history)))
	c.JSON(http.StatusOK, history)
}

// getAskCommands lists commands with pagination, optionally filtered
// by user ID and a created-at date range (YYYY-MM-DD, end exclusive).
func (h *APIHandlers) getAskCommands(c *gin.Context) {
	var pagination GetAskCommandsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var askCommands []AskCommand

	query := h.d.db.Model(&AskCommand{}).Preload(
		"User",
	).Limit(pagination.Limit).Offset(pagination.Offset)

	if pagination.UserID != "" {
		query = query.Where("user_id = ?", pagination.UserID)
	}

	if pagination.StartDate != "" {
		startDate, err := time.Parse("2006-01-02", pagination.StartDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid start_date format"},
			)
			return
		}
		query = query.Where("created_at >= ?", startDate.UnixMilli())
	}

	if pagination.EndDate != "" {
		endDate, err := time.Parse("2006-01-02", pagination.EndDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid end_date format"},
			)
			return
		}
		// push the bound past the end of the named day
		endDate = endDate.Add(24 * time.Hour)
		query = query.Where("created_at < ?", endDate.UnixMilli())
	}

	query = applySort(query, pagination.Order, "created_at")

	if err := query.Find(&askCommands).Error; err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting ask commands",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting ask commands"},
		)
		return
	}

	c.JSON(http.StatusOK, askCommands)
}

// getAskCommandDetail returns one command along with the Gemini API
// calls made on its behalf.
func (h *APIHandlers) getAskCommandDetail(c *gin.Context) {
	logger := ginContextLogger(c)
	id := c.Param("id")
	askCommandID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		logger.Error("invalid ask command id", tint.Err(err))
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "invalid ask command id"},
		)
		return
	}
	logger = logger.With(slog.Group("ask_command", "id", id))
	logger.Info("retrieving ask_command")

	var askCommand AskCommand
	if err = h.d.db.Preload("User").Take(
		&askCommand,
		"id = ?", askCommandID,
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "ask command not found"})
		} else {
			c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching ask command"})
		}
		return
	}

	detail := AskCommandDetail{AskCommand: askCommand}

	if err = h.d.db.Where(
		"ask_command_id = ?",
		askCommand.ID,
	).Find(&detail.GenerateContent).Error; err != nil {
		logger.Error("error fetching generate_content logs", tint.Err(err))
	}

	c.JSON(http.StatusOK, detail)
}

// getDiscordMessages lists captured Discord messages with pagination.
func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var messages []DiscordMessage
	err := applySort(
		h.d.db.Model(&DiscordMessage{}).Limit(pagination.Limit).Offset(pagination.Offset),
		pagination.Order,
		"id",
	).Find(&messages).Error
	if err != nil {
		log.ErrorContext(
			c,
			"error getting discord messages",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting discord messages"},
		)
		return
	}

	c.JSON(http.StatusOK, messages)
}

// getGeminiGenerateContentLogs lists Gemini API call records with
// pagination, optionally filtered by the command they belong to. The
// response wraps the page in a total count and the effective
// limit/offset.
func (h *APIHandlers) getGeminiGenerateContentLogs(c *gin.Context) {
	var query GetGeminiGenerateContentLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}

	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)

	db := h.d.db.Model(&GeminiGenerateContent{})

	if query.AskCommandID != nil {
		db = db.Where("ask_command_id = ?", query.AskCommandID)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting GeminiGenerateContent logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	var logs []GeminiGenerateContent
	db = applySort(db, query.Order, "created_at")
	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving GeminiGenerateContent logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":  totalCount,
			"offset": query.Offset,
			"limit":  query.Limit,
			"logs":   logs,
		},
	)
}

func (h *APIHandlers) getDiscordGatewayBot(c *gin.Context) {
	gb, err := h.d.discord.session.GatewayBot(
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching gateway bot"})
		return
	}
	c.JSON(http.StatusOK, gb)
}

// discordRegisterCommands registers the slash commands with Discord.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.discord.registerCommands(h.d.RuntimeConfig())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// reloadUsers asks all running instances to reload their user caches
// from the database.
func (h *APIHandlers) reloadUsers(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("sending user cache reload notification")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if h.d.dbNotifier.ReloadUserCache(ctx) {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

// botPause pauses command processing. 409 if already paused.
func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if h.d.Pause(context.Background()) {
		log.Info("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		httpError{Error: "bot already paused"},
	)
}

// botResume resumes command processing. 409 if not paused.
func (h *APIHandlers) botResume(c *gin.Context) {
	h.d.cfgMu.Lock()
	defer h.d.cfgMu.Unlock()

	if h.d.Resume(context.Background()) {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends the bot a stop signal and replies once it's been
// delivered.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.d.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// authMiddleware rejects requests without a valid admin session, and
// everything while initial setup is still pending.
func authMiddleware(d *JohnRobot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := d.logger
		if logger == nil {
			logger = slog.Default()
		}
		if d.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := d.api.store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		d.logger.Debug("session values", "session_values", session.Values)
		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Info("got session", sessionVarField, username)

		c.Next()
	}
}

// requestIDMiddleware assigns each request a random ID, stored in the
// gin context and echoed in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger from the gin
// context, creating one annotated with the request details (and
// caching it in the context) on first use.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if existing, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := existing.(*slog.Logger); isLogger {
			return requestLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration, response
// status and any private gin errors attached along the way.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[fmt.Sprintf(
			"%s %s",
			c.Request.Method,
			c.Request.URL.Path,
		)]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends {"message": ...} with HTTP 200.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with {"error": ...} and HTTP 500.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// applySort orders q by the given column in the given direction.
func applySort(q *gorm.DB, order Sort, column string) *gorm.DB {
	if order == Descending {
		return q.Order(column + " desc")
	}
	return q.Order(column + " asc")
}

// bindUpdateMap round-trips a partial update struct through JSON,
// yielding a column-keyed map with only the fields that were set.
func bindUpdateMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(raw, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// sendStartupMessage sends the configured startup message to the
// notification channel, if one is set and the gateway is enabled.
func sendStartupMessage(d *Discord, logger *slog.Logger, config RuntimeConfig) {
	if !config.DiscordGatewayEnabled {
		return
	}
	if config.DiscordNotificationChannelID == "" {
		return
	}

	if sendErr := d.channelMessageSend(
		config.DiscordNotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// overwriteDiscordCommands re-registers the slash commands when any
// runtime setting baked into the command definition has changed, so
// the change takes effect on Discord's side.
func overwriteDiscordCommands(
	d *Discord,
	logger *slog.Logger,
	oldState RuntimeConfig,
	currentState RuntimeConfig,
) error {
	if currentState.AskCommandMaxLength == oldState.AskCommandMaxLength &&
		currentState.AskCommandDescription == oldState.AskCommandDescription &&
		currentState.AskCommandOptionDescription == oldState.AskCommandOptionDescription &&
		currentState.GeminiDefaultModel == oldState.GeminiDefaultModel &&
		currentState.DefaultPersonality == oldState.DefaultPersonality {
		return nil
	}

	logger.Info("app command fields changed, overwriting")
	registered, registerErr := d.registerCommands(currentState)
	if registerErr != nil {
		logger.Error(
			"error registering commands",
			tint.Err(registerErr),
		)
	} else {
		logger.Info("registered commands", "commands", registered)
	}
	return registerErr
}

// updateDiscordBotStatus opens, closes or updates the discord gateway
// connection to match a runtime config change.
func updateDiscordBotStatus(
	d *JohnRobot,
	logger *slog.Logger,
	rollbackConfig RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := d.discord.session.Close(); discErr != nil {
			logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := d.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := d.discord.session.UpdateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		d.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := d.discord.session.Open(); discErr != nil {
			logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}
}

// generateSelfSignedCert writes a freshly generated self-signed
// certificate and key to the given paths, valid for one year, and
// loads them back as a tls.Certificate.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(crand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"JohnRobot"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		crand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	if err = writePEMFile(certFile, "CERTIFICATE", derBytes); err != nil {
		return tls.Certificate{}, err
	}

	if err = writePEMFile(
		keyFile,
		"RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(priv),
	); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

func writePEMFile(path string, blockType string, data []byte) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()
	return pem.Encode(out, &pem.Block{Type: blockType, Bytes: data})
}

// GetAskCommandsQuery represents the query parameters for fetching
// AskCommand records.
type GetAskCommandsQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetUsersQuery represents the query parameters for fetching User
// records.
type GetUsersQuery struct {
	Pagination
	IncludeStats bool `form:"include_stats" json:"include_stats"`
}

// GetGeminiGenerateContentLogsQuery represents the query parameters
// for fetching GeminiGenerateContent records.
type GetGeminiGenerateContentLogsQuery struct {
	Pagination
	AskCommandID *uint `form:"ask_command_id"`
}

// apiPatchUser accepts payload to update specific fields of a User
// record. Any non-nil value will be updated.
type apiPatchUser struct {
	Ignored            *bool   `json:"ignored,omitempty" binding:"omitnil"`
	GeminiDefaultModel *string `json:"gemini_default_model,omitempty" binding:"omitnil"`
	DefaultPersonality *string `json:"default_personality,omitempty" binding:"omitnil"`
}

// userHistoryQueryParams represents the query parameters for fetching
// user history.
type userHistoryQueryParams struct {
	Sort  Sort `form:"sort" json:"sort"`
	Limit int  `form:"limit" json:"limit"`
}

// userHistoryItem is one entry in a user's command history: who
// asked, what they asked, and how it went.
type userHistoryItem struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`

	Prompt string `json:"prompt"`

	// PromptContext is extra context the user supplied or, for
	// follow-ups, the parent command's exchange.
	PromptContext string `json:"prompt_context,omitempty"`

	Personality string `json:"personality,omitempty"`
	Model       string `json:"model,omitempty"`

	// Response is nil while the command is pending, or when it failed
	// without producing one.
	Response *string `json:"response,omitempty"`

	State AskCommandState `json:"state"`

	// UsageCount is the daily API usage counter value after this
	// command.
	UsageCount int `json:"usage_count"`

	Error string `json:"error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	AskCommandID  uint      `json:"ask_command_id"`
	InteractionID string    `json:"interaction_id"`
	FollowUp      bool      `json:"follow_up"`
}

// userWithStats is a User annotated with their usage statistics.
type userWithStats struct {
	User
	UserStats *UserStats `json:"stats,omitempty"`
}

// AskCommandDetail is the detailed view of an AskCommand, including
// the Gemini API calls made for it.
type AskCommandDetail struct {
	AskCommand      AskCommand              `json:"ask_command"`
	GenerateContent []GeminiGenerateContent `json:"generate_content,omitempty"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	Uptime                  string `json:"uptime"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
}

// usageResponse is the response struct for the daily usage endpoint.
type usageResponse struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response for the setup status endpoint:
// Required is true until admin credentials have been set.
type setupResponse struct {
	Required bool `json:"required"`
}

// validatePatchUser is a struct-level validation for apiPatchUser,
// checking fields whose valid values aren't expressible as tags.
func validatePatchUser(field reflect.Value) any {
	value, ok := field.Interface().(apiPatchUser)
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

//nolint:gochecknoinits // validator registration
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateRuntimeUpdateLimits,
		RuntimeConfigUpdate{},
	)
	structValidator.RegisterCustomTypeFunc(
		validatePatchUser,
		apiPatchUser{},
	)
}
