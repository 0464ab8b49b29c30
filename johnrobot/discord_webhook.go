package johnrobot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// DiscordWebhookServer receives Discord interactions as HTTP POST
// requests, as an alternative to receiving them over the gateway
// websocket connection.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	listener   net.Listener
	logger     *slog.Logger
}

func newWebhookServer(
	jr *JohnRobot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newTintHandler(config.LogLevel))

	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: logger.With(loggerNameKey, "discord_webhook"),
	}

	srv.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		srv.httpServer.TLSConfig = tlsCfg
	}

	if jr.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		discordRequestAuthenticationMiddleware(jr.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			jr.webhookInteractionHandler(c)
		},
	)
	return srv, nil
}

// Serve listens on the configured address (creating the listener on
// first call) and serves until the listener closes.
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			d.config.ListenNetwork,
			d.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error creating webhook listener: %w", err)
		}
		if d.httpServer.TLSConfig == nil {
			d.logger.Warn("starting server without TLS")
		} else {
			ln = tls.NewListener(ln, d.httpServer.TLSConfig)
		}
		d.listener = ln
	}
	return d.httpServer.Serve(d.listener)
}

// WebhookHandler responds to a Discord interaction by writing the
// interaction response as the HTTP response body, rather than calling
// back to the Discord API.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns the gin handler that decodes an
// incoming interaction payload and dispatches it the same way a
// gateway event would be.
func webhookReceiveHandler(ctx context.Context, jr *JohnRobot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				"method", c.Request.Method,
				xRequestIDHeader, requestID,
			),
		)

		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: jr.getInteractionHandlerFunc(ctx, &interaction),
		}
		jr.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware rejects webhook requests
// whose Ed25519 signature doesn't verify against the app public key.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "invalid signature"},
			)
			return
		}
		c.Next()
	}
}

// verifyRequest checks a webhook request's signature headers. The
// signed message is the timestamp header concatenated with the raw
// body; the body is restored afterwards so later handlers can still
// read it.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer
	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
