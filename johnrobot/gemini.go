package johnrobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

var (
	// ErrGeminiEmptyResponse indicates the API returned no candidates
	// at all, usually because the prompt itself was blocked.
	ErrGeminiEmptyResponse = errors.New("the model returned no response")

	// ErrGeminiBlocked indicates a candidate came back without usable
	// text, usually due to safety filters stopping generation.
	ErrGeminiBlocked = errors.New("the model refused to answer")
)

// geminiModels maps the display names offered as slash command model
// choices to Gemini API model identifiers.
var geminiModels = map[string]string{
	"2.5 Flash": "gemini-2.5-flash",
	"2.5 Pro":   "gemini-2.5-pro",
	"3.0 Flash": "gemini-3-flash-preview",
}

const (
	// DefaultGeminiModelName is the display name of the model used when
	// the command's model option is omitted.
	DefaultGeminiModelName = "3.0 Flash"

	fallbackGeminiModel = "gemini-3-flash-preview"
)

// defaultGeminiModel returns the API identifier of the default model.
func defaultGeminiModel() string {
	if model, ok := geminiModels[DefaultGeminiModelName]; ok {
		return model
	}
	return fallbackGeminiModel
}

// geminiModelDisplayName returns the display name for an API model
// identifier, falling back to the identifier itself for models that
// were removed from the choice list but still appear in old records.
func geminiModelDisplayName(model string) string {
	for name, id := range geminiModels {
		if id == model {
			return name
		}
	}
	return model
}

// Gemini manages the Gemini API integration.
//
// It holds the API client, applies the request rate limit, and records
// every generate call (request payload, response payload, error and
// timing) to the database.
type Gemini struct {
	client         GeminiClient
	config         *GeminiConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	jr             *JohnRobot

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newGemini(
	ctx context.Context,
	d *JohnRobot,
	httpClient *http.Client,
) (*Gemini, error) {
	config := d.config.Gemini
	g := &Gemini{
		config: config,
		jr:     d,
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	g.logger = slog.New(newTintHandler(config.LogLevel)).With(loggerNameKey, "gemini")

	clientCfg := &genai.ClientConfig{APIKey: config.APIKey}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	g.client = geminiAPIClient{client: client}
	return g, nil
}

// GenerateAnswer sends the command's composed prompt to the Gemini API
// and returns the answer text.
//
// The API call is recorded as a [GeminiGenerateContent] row whether it
// succeeds or fails, and token usage and finish reason are written back
// to the [AskCommand]. The returned error is [ErrGeminiEmptyResponse]
// when no candidates came back, [ErrGeminiBlocked] when a candidate had
// no usable text, or the transport error itself.
func (g *Gemini) GenerateAnswer(
	ctx context.Context,
	db DBI,
	req *AskCommand,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = g.logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx = WithLogger(ctx, logger)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.FullPrompt(), genai.RoleUser),
	}
	generateConfig := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		generateConfig.SystemInstruction = genai.NewContentFromText(
			req.SystemPrompt,
			genai.RoleUser,
		)
	}

	apiLog := &GeminiGenerateContent{
		GeminiAPILog{
			AskCommandID:   &req.ID,
			RequestStarted: time.Now().UnixMilli(),
		},
	}
	payload := struct {
		Model    string                       `json:"model"`
		Contents []*genai.Content             `json:"contents"`
		Config   *genai.GenerateContentConfig `json:"config,omitempty"`
	}{Model: req.Model, Contents: contents, Config: generateConfig}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling request", tint.Err(err))
	} else {
		apiLog.RequestBody = string(data)
	}

	if g.jr != nil {
		_ = g.jr.waitForPause(ctx)
	}
	if err = g.waitOnRequestLimiter(ctx); err != nil {
		apiLog.Error = err.Error()
		if _, e := db.Create(context.TODO(), apiLog); e != nil {
			logger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return "", err
	}

	apiLog.RequestStarted = time.Now().UnixMilli()
	resp, genErr := g.client.GenerateContent(
		ctx,
		req.Model,
		contents,
		generateConfig,
	)
	apiLog.RequestEnded = time.Now().UnixMilli()

	if genErr != nil {
		apiLog.Error = genErr.Error()
	}
	if resp != nil {
		data, err = json.Marshal(resp)
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling response", tint.Err(err))
		} else {
			apiLog.ResponseBody = string(data)
		}
	}
	if _, err = db.Create(context.TODO(), apiLog); err != nil {
		logger.ErrorContext(ctx, "error adding record", tint.Err(err))
	}

	if genErr != nil {
		logger.ErrorContext(ctx, "error generating content", tint.Err(genErr))
		return "", genErr
	}

	if err = g.recordUsage(ctx, db, req, resp); err != nil {
		logger.ErrorContext(ctx, "error updating token usage", tint.Err(err))
	}

	if len(resp.Candidates) == 0 {
		logger.WarnContext(
			ctx,
			"no response candidates",
			"block_reason", blockReason(resp),
		)
		return "", ErrGeminiEmptyResponse
	}
	answer := resp.Text()
	if answer == "" {
		logger.WarnContext(
			ctx,
			"response blocked or empty",
			columnAskCommandFinishReason, string(resp.Candidates[0].FinishReason),
			"block_reason", blockReason(resp),
		)
		return "", ErrGeminiBlocked
	}
	return answer, nil
}

// recordUsage updates the finish reason and token usage of an
// AskCommand from the API response.
func (*Gemini) recordUsage(
	_ context.Context,
	db DBI,
	req *AskCommand,
	resp *genai.GenerateContentResponse,
) error {
	updates := map[string]any{}
	if len(resp.Candidates) > 0 {
		updates[columnAskCommandFinishReason] = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		updates[columnAskCommandUsagePromptTokens] = resp.UsageMetadata.PromptTokenCount
		updates[columnAskCommandUsageCandidateTokens] = resp.UsageMetadata.CandidatesTokenCount
		updates[columnAskCommandUsageTotalTokens] = resp.UsageMetadata.TotalTokenCount
	}
	if len(updates) == 0 {
		return nil
	}
	if _, err := db.Updates(context.TODO(), req, updates); err != nil {
		return err
	}
	return nil
}

func blockReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || resp.PromptFeedback == nil {
		return ""
	}
	return string(resp.PromptFeedback.BlockReason)
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (g *Gemini) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here- if we try to update the limiter via
	// API, it'd end up waiting on the current limiter to be released,
	// which isn't great under high load.
	// `rate.Limiter` does not specify that it's safe to concurrently call
	// `Wait` and `SetLimit`.
	g.mu.RLock()
	requestLimiter := g.requestLimiter
	g.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// setRequestLimit replaces the request limiter. Used when the runtime
// config's request rate changes.
func (g *Gemini) setRequestLimit(requestsPerSecond int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// Close releases the underlying API client.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// GeminiClient defines the interface for interacting with the Gemini API.
//
// This interface allows for easier testing and potential future
// implementations with different client libraries or mock clients
// for testing.
type GeminiClient interface {
	// GenerateContent requests a completion from the given model.
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)

	// Close releases client resources.
	Close() error
}

type geminiAPIClient struct {
	client *genai.Client
}

func (c geminiAPIClient) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	return c.client.Models.GenerateContent(ctx, model, contents, config)
}

func (c geminiAPIClient) Close() error {
	// *genai.Client exposes no Close method; there are no client
	// resources to release.
	return nil
}
