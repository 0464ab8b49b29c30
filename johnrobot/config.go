//nolint:lll // mapstructure/yaml/binding tags don't wrap
package johnrobot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

// Environment and storage defaults.
const (
	EnvvarSetEnvPrefix = "JOHNROBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "JR"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "johnrobot.sqlite3"
	DefaultDataFile     = "data.json"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultRuntimeConfigTTL      = 5 * time.Minute
	DefaultUserCacheTTL          = time.Hour
)

// Lifecycle and HTTP server timeouts, shared by the API and webhook servers.
const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
)

// Slash command surface: the /ask_gemini command and its follow-up modal.
const (
	DiscordSlashCommandAsk                = "ask_gemini"
	DefaultDiscordAskCommandDescription   = "Ask Gemini a question!"
	DefaultDiscordPromptOptionDescription = "The question you want to ask"

	DefaultFollowupModalTitle       = "Ask a Follow-up Question"
	DefaultFollowupModalInputLabel  = "Your Follow-up Question"
	DefaultFollowupModalPlaceholder = "Enter your next question here..."
	DefaultFollowupModalMaxLength   = 1500
	DefaultFollowupTimeout          = 5 * time.Minute

	DefaultGeminiMaxRequestsPerSecond = 1
)

// Discord transport defaults and message size limits. The embed limits come
// from https://discord.com/developers/docs/resources/message#embed-object
const (
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged

	DefaultDiscordErrorMessage   = "Sorry, I encountered a critical unexpected error."
	DefaultDiscordStartupMessage = "I'm here!"

	discordMaxMessageLength      = 2000
	discordEmbedDescriptionLimit = 4096
	discordEmbedTitleLimit       = 256
)

// API server and logging defaults.
const (
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultLogLevel               = slog.LevelInfo
	DefaultDatabaseLogLevel       = slog.LevelInfo
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordgoLogLevel      = slog.LevelWarn
	DefaultDiscordWebhookLogLevel = slog.LevelInfo
	DefaultGeminiLogLevel         = slog.LevelInfo
	DefaultAPILogLevel            = slog.LevelInfo
)

// DiscordInteractionReceiveMethod records which transport delivered an
// interaction: the gateway websocket, or the webhook server.
type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the static bot configuration, loaded once at startup from the
// YAML config file, environment variables and CLI flags. Anything that
// should be changeable while the bot is running belongs in [RuntimeConfig]
// instead.
type Config struct {
	// Database is the connection string: a file path for sqlite, a DSN
	// for postgres
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType selects the backing store
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel controls GORM query logging
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than DatabaseSlowThreshold are logged as warnings
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// DataFile is the path of the JSON state file holding the daily usage
	// counter and the personality system prompts
	DataFile string `yaml:"data_file" mapstructure:"data_file" json:"data_file" binding:"required"`

	// WatchDataFile reloads the personality registry whenever DataFile
	// changes on disk, so prompts can be edited without a restart
	WatchDataFile bool `yaml:"watch_data_file" mapstructure:"watch_data_file" json:"watch_data_file"`

	// Gemini configures the Google AI client
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// API configures the backend admin server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures the bot connection itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the root logger level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Development runs the HTTP servers in gin debug mode, with verbose
	// request logging and without panic recovery middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// StartupTimeout bounds initialization. If the bot isn't ready to
	// serve when it elapses, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is how long a graceful shutdown may take before
	// remaining connections are force-closed
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL re-reads [RuntimeConfig] from the database at least
	// this often (0 disables the periodic refresh). A single instance sees
	// its own updates immediately, so the TTL mainly matters when several
	// instances share a database. With postgres, LISTEN/NOTIFY announces
	// updates on top of this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// UserCacheTTL re-loads the [User] cache from the database at least
	// this often (0 disables the refresh). Like RuntimeConfigTTL, this is
	// only useful when running multiple instances.
	UserCacheTTL time.Duration `yaml:"user_cache_ttl" mapstructure:"user_cache_ttl" json:"user_cache_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig holds the bot credentials and gateway settings.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Token is the bot token, from the 'Bot' tab of the discord developer portal
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ApplicationID is found on the portal's 'General Information' tab
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// WebhookServer only matters when receiving interactions over HTTP
	// rather than the gateway websocket
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID scopes slash command registration to one guild, where
	// commands sync immediately. Handy during development. Leave empty to
	// register the commands globally.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// LogLevel is the bot's own log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel is handed to the `discordgo` library logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is sent to [RuntimeConfig.DiscordNotificationChannelID]
	// each time the bot connects to the gateway. Requires
	// [RuntimeConfig.DiscordGatewayEnabled] and a notification channel ID.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message" binding:"required"`

	// GatewayIntents: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the HTTP server that receives
// interaction callbacks POSTed directly by Discord, as an alternative to
// the gateway websocket.
type DiscordWebhookServerConfig struct {
	// Enabled starts the webhook server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen is the bind address, e.g. "127.0.0.1:5001"
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// ListenNetwork is passed to net.Listen
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// SSL points at the certificate pair. Discord requires TLS on
	// interaction endpoints.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// PublicKey verifies the ed25519 signature Discord attaches to each
	// interaction POST. Found under 'General Information' in the portal.
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// LogLevel for this server's request log
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ReadTimeout caps reading the full request, body included
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// ReadHeaderTimeout caps reading the request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// WriteTimeout caps writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// IdleTimeout caps the keep-alive wait between requests
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// GeminiConfig holds the credentials and logging for the Google AI client
type GeminiConfig struct {
	// APIKey is a Google AI Studio key (https://aistudio.google.com/apikey)
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// LogLevel for Gemini request logging
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the backend admin server
type APIConfig struct {
	// Listen is the bind address, e.g. "127.0.0.1:5000"
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// ListenNetwork is passed to net.Listen
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret signs session cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// SSL points at the certificate pair
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// LogLevel for this server's request log
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CORS settings for the browser UI
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// ReadTimeout caps reading the full request, body included
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// ReadHeaderTimeout caps reading the request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"min=1s"`

	// WriteTimeout caps writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"min=1s"`

	// IdleTimeout caps the keep-alive wait between requests
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"min=1s"`

	// SessionMaxAge bounds the session cookie lifetime
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"min=10m,max=24h"`

	// Development sets SameSite=None on session cookies
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig names a certificate pair and the minimum TLS version
type SSLConfig struct {
	// Cert is the path to a PEM certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Key is the path to the matching private key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// TLSMinVersion, e.g. tls.VersionTLS12
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig mirrors the gin-contrib/cors options so they can be set from
// the YAML config
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with every default populated, including
// the per-component log level vars
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		DataFile:              DefaultDataFile,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		UserCacheTTL:          DefaultUserCacheTTL,
		Gemini: &GeminiConfig{
			LogLevel: newLevelVar(DefaultGeminiLogLevel),
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
