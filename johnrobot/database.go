package johnrobot

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	customIDFormat = "%s:%s"

	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// Postgres NOTIFY channels, used to keep multiple bot instances
	// sharing one database in sync.
	postgresNotifyChannelRuntimeConfigUpdated = "johnrobot_reload_runtime_config"
	postgresNotifyChannelReloadUserCache      = "johnrobot_reload_user_cache"
	postgresNotifyChannelUserUpdated          = "johnrobot_user_updated"
	postgresNotifyChannelStop                 = "johnrobot_stop"

	// recordSeparator joins the notifier ID and user ID in a user
	// update notification payload (ASCII RS).
	recordSeparator = "\x1e"

	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second

	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
)

var sqliteExecPragma = []string{
	"pragma journal_mode=WAL;",
	"pragma synchronous = normal;",
	"pragma temp_store = memory;",
	"pragma foreign_keys = ON;",
	"pragma mmap_size = 8000000000;",
}

// ModelUnixTime is embedded in models that track row lifetimes as
// millisecond Unix timestamps rather than time.Time columns.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Duration wraps time.Duration so it round-trips through both SQL
// (as a parseable string column) and JSON (as a quoted string).
type Duration struct {
	time.Duration
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	return d.parse(strings.Trim(s, `"`))
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

// GormDataType tells GORM which column type to use for Duration fields.
func (Duration) GormDataType() string {
	return "string"
}

// DBI is the write-side database API. It exists so tests can stand in
// a mock; [database] is the implementation used at runtime.
type DBI interface {
	// UserCache returns the in-memory cache of [User] records, keyed
	// by Discord user ID. Hold the cache lock while reading it.
	UserCache() map[string]*User
	UserCacheLock()
	UserCacheUnlock()

	DB() *gorm.DB

	LoadUsers() []User
	GetUser(userID string) *User
	ReloadUser(userID string) *User
	GetOrCreateUser(ctx context.Context, jr *JohnRobot, u discordgo.User) (*User, bool, error)

	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database wraps a GORM connection with the user cache and the write
// serialization SQLite needs. With concurrent writes disabled every
// write helper takes a single mutex, so SQLite only ever sees one
// writer. Postgres runs with concurrent writes enabled and skips the
// lock entirely.
type database struct {
	db                     *gorm.DB
	logger                 *slog.Logger
	mu                     sync.Mutex
	enableConcurrentWrites bool

	userCache map[string]*User
	cacheMu   sync.Mutex
}

// NewDatabase wraps the given GORM connection. Pass
// enableConcurrentWrites=false for SQLite so writes serialize on a
// single mutex.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		userCache:              map[string]*User{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) UserCache() map[string]*User {
	return d.userCache
}

func (d *database) UserCacheLock() {
	d.cacheMu.Lock()
}

func (d *database) UserCacheUnlock() {
	d.cacheMu.Unlock()
}

// lockWrites acquires the write mutex unless concurrent writes are
// enabled, and returns the matching release func.
func (d *database) lockWrites() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// writeContext applies the default operation timeout when the caller
// hasn't set a deadline of their own.
func (d *database) writeContext(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// LoadUsers resets the user cache and refills it with users seen in
// the last 24 hours (or never, for rows without [User.LastSeen]).
func (d *database) LoadUsers() []User {
	d.userCache = map[string]*User{}

	var users []User
	_ = d.db.Omit(columnUserContent).Where(
		"last_seen is null OR last_seen = 0 OR last_seen >= ?",
		time.Now().Add(-24*time.Hour).UnixMilli(),
	).Find(&users)
	for i := 0; i < len(users); i++ {
		u := users[i]
		d.userCache[u.ID] = &u
	}
	return users
}

func (d *database) GetUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.userCache[userID]
}

// ReloadUser refreshes a single cache entry from the database,
// evicting it if the row no longer exists.
func (d *database) ReloadUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var user User
	if err := d.db.Where("id = ?", userID).Last(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.userCache, userID)
		}
		return nil
	}
	d.userCache[userID] = &user

	return &user
}

// GetOrCreateUser returns the cached user for u, or creates a new
// record. The bool result reports whether a new user was created.
//
// On a cache hit the user's last-seen timestamp is bumped, along with
// their username fields if those changed on the Discord side. New
// users inherit the current runtime config's Gemini settings, so
// per-user defaults can be tuned later without affecting everyone.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	jr *JohnRobot,
	u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	if user, cached := d.userCache[u.ID]; cached {
		// FIXME another goroutine can read the cached record while
		//  it's being updated here
		log.InfoContext(ctx, "found existing user", "user", user)
		user.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserLastSeen: user.LastSeen}

		if user.userChangedDiscordUsername(u) {
			log.Info(
				"user changed username since last seen",
				slog.Group(
					"old",
					"username", user.Username,
					"global_name", user.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			user.Username = u.Username
			user.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err := d.Updates(ctx, user, updates); err != nil {
			log.Error("error updating user", "user", user, tint.Err(err))
		}
		return user, false, nil
	}

	user, _ := NewUser(u)
	if jr != nil {
		config := jr.RuntimeConfig()
		user.GeminiSettings = config.GeminiSettings
	}

	log.InfoContext(ctx, "creating new user", "user", user)

	if _, err := d.Create(ctx, user); err != nil {
		log.Error("error creating user", "user", user, tint.Err(err))
		return nil, true, err
	}

	d.userCache[u.ID] = user
	return user, true, nil
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	tx := d.db.WithContext(ctx)
	if len(omit) > 0 {
		tx = tx.Omit(omit...)
	}
	rv := tx.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	tx := d.db.WithContext(ctx)
	if len(omit) > 0 {
		tx = tx.Omit(omit...)
	}
	rv := tx.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	defer d.lockWrites()()
	ctx, cancel := d.writeContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens a GORM connection for the given database type
// ('sqlite' or 'postgres') and migrates all models. For SQLite,
// database is the file path; for Postgres, the connection string.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newTintHandler(slog.LevelWarn)
	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(
		&GeminiGenerateContent{},
		&User{},
		&AskCommand{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	); err != nil {
		return db, err
	}

	return db, txn.Commit().Error
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(database); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil &&
				!errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier propagates database-backed state changes to bot
// instances. The Postgres implementation carries signals through
// NOTIFY/LISTEN so multiple instances sharing one database stay in
// sync; the SQLite implementation only pokes the local instance's
// trigger channels.
type DBNotifier interface {
	// ReloadUserCache tells bot instances to fully reload their user
	// cache.
	ReloadUserCache(context.Context) bool
	UserCacheChannelName() string

	// ReloadRuntimeConfig tells bot instances to re-read the runtime
	// configuration from the database.
	ReloadRuntimeConfig(context.Context) bool
	RuntimeConfigChannelName() string

	// UserUpdated tells bot instances that a single user record
	// changed and should be reloaded.
	UserUpdated(ctx context.Context, userID string) bool
	UserUpdateChannelName() string

	// Stop sends a shutdown signal to all bots.
	Stop(context.Context) bool
	StopChannelName() string

	// ID identifies this notifier, so instances can ignore the
	// notifications they sent themselves.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(d *JohnRobot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := d.logger.With(loggerNameKey, "db_notifier")
	switch d.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, d: d, sqliteNotifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, d: d, pgNotifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier only ever has a single bot instance to notify, so
// its channel names are empty and Listen does nothing.
type sqliteNotifier struct {
	logger         *slog.Logger
	d              *JohnRobot
	sqliteNotifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (sqliteNotifier) UserCacheChannelName() string {
	return ""
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (sqliteNotifier) UserUpdateChannelName() string {
	return ""
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) ReloadUserCache(ctx context.Context) bool {
	s.logger.Info("got user cache reload notification")
	select {
	case s.d.triggerUserCacheRefreshCh <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending user cache refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.d.triggerRuntimeConfigRefreshCh <- true:
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) UserUpdated(ctx context.Context, userID string) bool {
	s.logger.Info("got user update notification", "user_id", userID)
	select {
	case s.d.triggerUserUpdatedRefreshCh <- userID:
	case <-ctx.Done():
		s.logger.Warn("timeout sending user refresh", "user_id", userID)
		return false
	}
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.d.signalStop <- struct{}{}:
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	d          *JohnRobot
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) UserCacheChannelName() string {
	return postgresNotifyChannelReloadUserCache
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (postgresNotifier) UserUpdateChannelName() string {
	return postgresNotifyChannelUserUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

// notify issues a pg_notify on the given channel and reports whether
// the statement succeeded.
func (p *postgresNotifier) notify(
	ctx context.Context,
	channel string,
	payload string,
	attrs ...any,
) bool {
	notifyErr := p.d.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	logAttrs := append(
		[]any{"channel", channel, "pg_notify_id", p.pgNotifyID},
		attrs...,
	)
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			append(logAttrs, tint.Err(notifyErr))...,
		)
		return false
	}
	p.logger.Info("sent notification", logAttrs...)
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.pgNotifyID)
}

func (p *postgresNotifier) ReloadUserCache(ctx context.Context) bool {
	sent := p.notify(ctx, p.UserCacheChannelName(), p.pgNotifyID)

	// The sender's own notification is filtered out by ID, so poke
	// the local instance directly too.
	select {
	case p.d.triggerUserCacheRefreshCh <- true:
	case <-ctx.Done():
		p.logger.Warn("timeout sending user cache refresh signal")
	}

	return sent
}

func (p *postgresNotifier) UserUpdated(ctx context.Context, userID string) bool {
	msg := newUserUpdatedNotificationMessage(p.pgNotifyID, userID)
	return p.notify(
		ctx,
		p.UserUpdateChannelName(),
		msg,
		"user_id", userID,
	)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.pgNotifyID)
}

// Listen LISTENs on the given Postgres channel and forwards incoming
// notifications to the bot's trigger channels, skipping any sent by
// this instance. It blocks until ctx is done.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	poolConfig, err := pgxpool.ParseConfig(p.d.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			logger.ErrorContext(
				ctx,
				"error waiting for notification",
				tint.Err(waitErr),
			)
			time.Sleep(5 * time.Second)
			continue
		}
		if notification.Payload == p.pgNotifyID {
			logger.Info(
				"received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}

		switch channel {
		case p.UserCacheChannelName():
			logger.InfoContext(ctx, "received notification to reload user cache")
			forwardSignal(
				logger,
				p.d.triggerUserCacheRefreshCh,
				true,
				"user cache refresh signal",
			)
		case p.RuntimeConfigChannelName():
			logger.InfoContext(ctx, "received notification for runtime config update")
			forwardSignal(
				logger,
				p.d.triggerRuntimeConfigRefreshCh,
				true,
				"runtime config refresh signal",
			)
		case p.UserUpdateChannelName():
			notifierID, userID := parseUserUpdatedNotification(notification.Payload)
			if notifierID == p.pgNotifyID {
				logger.Info("received user update notification from self, ignoring")
				continue
			}
			forwardSignal(
				logger,
				p.d.triggerUserUpdatedRefreshCh,
				userID,
				"user refresh signal",
				"user_id", userID,
			)
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			forwardSignal(
				logger,
				p.d.signalStop,
				struct{}{},
				"stop signal",
			)
		default:
			logger.Warn(
				"received unknown notification",
				"channel", notification.Channel,
			)
		}
	}

	return nil
}

// forwardSignal relays v to ch, giving up after the notifier send
// timeout so a stalled receiver can't wedge the listener loop.
func forwardSignal[T any](
	logger *slog.Logger,
	ch chan<- T,
	v T,
	name string,
	attrs ...any,
) {
	select {
	case ch <- v:
		logger.Info("forwarded "+name, attrs...)
	case <-time.After(dbNotifierSendTimeout):
		logger.Warn("timed out forwarding "+name, attrs...)
	}
}

func newUserUpdatedNotificationMessage(notifierID string, userID string) string {
	return notifierID + recordSeparator + userID
}

func parseUserUpdatedNotification(s string) (notifierID, userID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}
