package johnrobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// mockGenerateContentCall records a single GenerateContent call seen by
// [mockGeminiClient], so tests can assert on the model and prompts
// actually sent to the API.
type mockGenerateContentCall struct {
	Model        string
	Prompt       string
	SystemPrompt string
}

// mockGeminiClient allows responses (or errors) to be registered
// in advance for the Gemini API.
//
// Fields:
//
//   - PromptResponses: Map of prompts to predefined responses. Prompts
//     not found in the map get a canned "I don't know anything about ..."
//     answer, so tests don't have to register every prompt.
//
//   - GenerateContentError: If set, every GenerateContent call returns
//     this error.
//
//   - BlockedPrompts: Prompts that return a candidate with no usable
//     text and a safety finish reason, mimicking the API refusing to
//     answer.
//
//   - EmptyPrompts: Prompts that return a response with no candidates
//     at all, mimicking the prompt itself being blocked.
//
//   - PanicOnPrompts: Prompts that panic instead of responding.
//
//   - ResponseDelay: Pause before responding to each call, so tests can
//     observe commands in flight.
//
//   - Calls: Every GenerateContent call seen, in order.
type mockGeminiClient struct {
	PromptResponses      map[string]string
	GenerateContentError error
	BlockedPrompts       map[string]bool
	EmptyPrompts         map[string]bool
	PanicOnPrompts       map[string]bool
	ResponseDelay        time.Duration

	Calls []mockGenerateContentCall

	ids *commandData
	t   testing.TB
	mu  sync.RWMutex
}

func newMockGeminiClient(
	t testing.TB,
	ids *commandData,
) *mockGeminiClient {
	t.Helper()
	if ids == nil {
		cmdData := newCommandData(t)
		ids = &cmdData
	}
	mockClient := &mockGeminiClient{
		ids:            ids,
		t:              t,
		BlockedPrompts: map[string]bool{},
		EmptyPrompts:   map[string]bool{},
		PanicOnPrompts: map[string]bool{},
		PromptResponses: map[string]string{
			t.Name(): fmt.Sprintf("I don't know anything about %s", t.Name()),
		},
	}

	prompt := "where is the beef?"
	response := "The 'beef' is a lie."
	mockClient.PromptResponses[prompt] = response

	return mockClient
}

// textFromContents concatenates the text parts of the given contents,
// reversing what [genai.NewContentFromText] builds.
func textFromContents(contents []*genai.Content) string {
	var sb strings.Builder
	for _, content := range contents {
		if content == nil {
			continue
		}
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func (m *mockGeminiClient) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	if m.ResponseDelay > 0 {
		time.Sleep(m.ResponseDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt := textFromContents(contents)
	call := mockGenerateContentCall{Model: model, Prompt: prompt}
	if config != nil && config.SystemInstruction != nil {
		call.SystemPrompt = textFromContents(
			[]*genai.Content{config.SystemInstruction},
		)
	}
	m.Calls = append(m.Calls, call)
	m.t.Logf("mock generate content (model: %s): %q", model, prompt)

	if m.PanicOnPrompts[prompt] {
		panic(fmt.Sprintf("mock panic for prompt: %s", prompt))
	}

	if m.GenerateContentError != nil {
		return nil, m.GenerateContentError
	}

	if m.EmptyPrompts[prompt] {
		return &genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
				BlockReason: genai.BlockedReasonSafety,
			},
		}, nil
	}

	if m.BlockedPrompts[prompt] {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{
				{
					Content:      &genai.Content{},
					FinishReason: genai.FinishReasonSafety,
				},
			},
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
				BlockReason: genai.BlockedReasonSafety,
			},
		}, nil
	}

	answer, ok := m.PromptResponses[prompt]
	if !ok {
		answer = fmt.Sprintf("I don't know anything about %s", prompt)
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content:      genai.NewContentFromText(answer, genai.RoleModel),
				FinishReason: genai.FinishReasonStop,
			},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     int32(len(prompt)),
			CandidatesTokenCount: int32(len(answer)),
			TotalTokenCount:      int32(len(prompt) + len(answer)),
		},
	}, nil
}

func (m *mockGeminiClient) Close() error {
	return nil
}

func TestGenerateAnswer(t *testing.T) {
	t.Parallel()
	ids := newCommandData(t)
	mockClient := newMockGeminiClient(t, &ids)

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)
	ctx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(300)*time.Second,
	)
	t.Cleanup(cancel)

	discordUser := &User{
		ID:       ids.UserID,
		Username: ids.Username,
	}

	_, err := writeDB.Create(context.TODO(), discordUser)
	require.NoError(t, err)

	prompt := "where is the beef?"
	systemPrompt := "You are a terse and helpful robot."
	req := &AskCommand{
		Prompt:       prompt,
		Model:        defaultGeminiModel(),
		SystemPrompt: systemPrompt,
		Interaction: Interaction{
			UserID:        discordUser.ID,
			User:          discordUser,
			InteractionID: ids.InteractionID,
		},
	}

	_, err = writeDB.Create(context.TODO(), req)
	require.NoError(t, err)

	answer, err := botAI.GenerateAnswer(ctx, writeDB, req)
	require.NoError(t, err)
	assert.Equal(t, mockClient.PromptResponses[prompt], answer)

	require.Len(t, mockClient.Calls, 1)
	call := mockClient.Calls[0]
	assert.Equal(t, req.Model, call.Model)
	assert.Equal(t, prompt, call.Prompt)
	assert.Equal(t, systemPrompt, call.SystemPrompt)

	var requests []*GeminiGenerateContent
	rv := db.Find(&requests)
	require.NoError(t, rv.Error)
	assert.Equal(t, 1, len(requests))

	var lastRequest *GeminiGenerateContent
	rv = db.Last(&lastRequest)
	require.NoError(t, rv.Error)

	assert.Equal(t, req.ID, *lastRequest.AskCommandID)
	assert.Contains(t, lastRequest.RequestBody, prompt)
	assert.Contains(t, lastRequest.RequestBody, systemPrompt)
	assert.Contains(t, lastRequest.ResponseBody, answer)
	assert.Equal(t, "", lastRequest.Error)

	var refreshed AskCommand
	require.NoError(t, db.First(&refreshed, "id = ?", req.ID).Error)
	assert.Equal(t, string(genai.FinishReasonStop), refreshed.FinishReason)
	assert.Equal(t, len(prompt), refreshed.UsagePromptTokens)
	assert.Equal(t, len(answer), refreshed.UsageCandidateTokens)
	assert.Equal(t, len(prompt)+len(answer), refreshed.UsageTotalTokens)
}

func TestGenerateAnswer_EmptyResponse(t *testing.T) {
	t.Parallel()
	ids := newCommandData(t)
	mockClient := newMockGeminiClient(t, &ids)
	mockClient.EmptyPrompts[t.Name()] = true

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)

	discordUser := &User{
		ID:       ids.UserID,
		Username: ids.Username,
	}
	_, err := writeDB.Create(context.TODO(), discordUser)
	require.NoError(t, err)

	req := &AskCommand{
		Prompt: t.Name(),
		Model:  defaultGeminiModel(),
		Interaction: Interaction{
			UserID:        discordUser.ID,
			User:          discordUser,
			InteractionID: ids.InteractionID,
		},
	}
	_, err = writeDB.Create(context.TODO(), req)
	require.NoError(t, err)

	answer, err := botAI.GenerateAnswer(context.Background(), writeDB, req)
	require.ErrorIs(t, err, ErrGeminiEmptyResponse)
	assert.Equal(t, "", answer)

	// the API call is still recorded
	var lastRequest *GeminiGenerateContent
	require.NoError(t, db.Last(&lastRequest).Error)
	assert.Equal(t, req.ID, *lastRequest.AskCommandID)
	assert.Equal(t, "", lastRequest.Error)
	assert.NotEmpty(t, lastRequest.ResponseBody)
}

func TestGenerateAnswer_Blocked(t *testing.T) {
	t.Parallel()
	ids := newCommandData(t)
	mockClient := newMockGeminiClient(t, &ids)
	mockClient.BlockedPrompts[t.Name()] = true

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)

	discordUser := &User{
		ID:       ids.UserID,
		Username: ids.Username,
	}
	_, err := writeDB.Create(context.TODO(), discordUser)
	require.NoError(t, err)

	req := &AskCommand{
		Prompt: t.Name(),
		Model:  defaultGeminiModel(),
		Interaction: Interaction{
			UserID:        discordUser.ID,
			User:          discordUser,
			InteractionID: ids.InteractionID,
		},
	}
	_, err = writeDB.Create(context.TODO(), req)
	require.NoError(t, err)

	answer, err := botAI.GenerateAnswer(context.Background(), writeDB, req)
	require.ErrorIs(t, err, ErrGeminiBlocked)
	assert.Equal(t, "", answer)

	// the safety finish reason is written back to the command
	var refreshed AskCommand
	require.NoError(t, db.First(&refreshed, "id = ?", req.ID).Error)
	assert.Equal(
		t,
		string(genai.FinishReasonSafety),
		refreshed.FinishReason,
	)
}

func TestGenerateAnswer_RequestError(t *testing.T) {
	t.Parallel()
	ids := newCommandData(t)
	mockClient := newMockGeminiClient(t, &ids)
	mockClient.GenerateContentError = fmt.Errorf(
		"googleapi: Error 500: internal error",
	)

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)

	discordUser := &User{
		ID:       ids.UserID,
		Username: ids.Username,
	}
	_, err := writeDB.Create(context.TODO(), discordUser)
	require.NoError(t, err)

	req := &AskCommand{
		Prompt: t.Name(),
		Model:  defaultGeminiModel(),
		Interaction: Interaction{
			UserID:        discordUser.ID,
			User:          discordUser,
			InteractionID: ids.InteractionID,
		},
	}
	_, err = writeDB.Create(context.TODO(), req)
	require.NoError(t, err)

	answer, err := botAI.GenerateAnswer(context.Background(), writeDB, req)
	require.Error(t, err)
	require.ErrorIs(t, err, mockClient.GenerateContentError)
	assert.Equal(t, "", answer)

	var lastRequest *GeminiGenerateContent
	require.NoError(t, db.Last(&lastRequest).Error)
	assert.Equal(t, req.ID, *lastRequest.AskCommandID)
	assert.Equal(t, mockClient.GenerateContentError.Error(), lastRequest.Error)
	assert.Equal(t, "", lastRequest.ResponseBody)
}

func TestGenerateAnswer_ContextCancelled(t *testing.T) {
	t.Parallel()
	ids := newCommandData(t)
	mockClient := newMockGeminiClient(t, &ids)

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	db := setupTestDB(t)
	writeDB := NewDatabase(db, nil, false)

	discordUser := &User{
		ID:       ids.UserID,
		Username: ids.Username,
	}
	_, err := writeDB.Create(context.TODO(), discordUser)
	require.NoError(t, err)

	req := &AskCommand{
		Prompt: t.Name(),
		Model:  defaultGeminiModel(),
		Interaction: Interaction{
			UserID:        discordUser.ID,
			User:          discordUser,
			InteractionID: ids.InteractionID,
		},
	}
	_, err = writeDB.Create(context.TODO(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answer, err := botAI.GenerateAnswer(ctx, writeDB, req)
	require.Error(t, err)
	assert.Equal(t, "", answer)

	// the request never made it to the API
	assert.Empty(t, mockClient.Calls)

	var lastRequest *GeminiGenerateContent
	require.NoError(t, db.Last(&lastRequest).Error)
	assert.NotEmpty(t, lastRequest.Error)
}

// TestGenerateAnswer_LogWriteFailureNonFatal verifies the answer still
// makes it back to the user when the API-log row can't be written.
func TestGenerateAnswer_LogWriteFailureNonFatal(t *testing.T) {
	t.Parallel()
	mockClient := newMockGeminiClient(t, nil)

	botAI := &Gemini{
		client: mockClient,
		config: &GeminiConfig{},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}

	mockDB := &mockDBI{
		createFunc: func(any, ...string) (int64, error) {
			return 0, errors.New("disk full")
		},
		updatesFunc: func(any, any) (int64, error) {
			return 1, nil
		},
	}

	prompt := "where is the beef?"
	req := &AskCommand{
		Prompt: prompt,
		Model:  defaultGeminiModel(),
	}
	answer, err := botAI.GenerateAnswer(context.Background(), mockDB, req)
	require.NoError(t, err)
	assert.Equal(t, mockClient.PromptResponses[prompt], answer)
}

func TestGeminiSetRequestLimit(t *testing.T) {
	g := &Gemini{
		mu: &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(DefaultGeminiMaxRequestsPerSecond),
			1,
		),
	}
	assert.Equal(
		t,
		rate.Limit(DefaultGeminiMaxRequestsPerSecond),
		g.requestLimiter.Limit(),
	)

	g.setRequestLimit(5)
	assert.Equal(t, rate.Limit(5), g.requestLimiter.Limit())
}

func TestGeminiClose(t *testing.T) {
	g := &Gemini{}
	require.NoError(t, g.Close())

	g.client = newMockGeminiClient(t, nil)
	require.NoError(t, g.Close())
}

func TestDefaultGeminiModel(t *testing.T) {
	model := defaultGeminiModel()
	assert.Equal(t, geminiModels[DefaultGeminiModelName], model)
	assert.NotEmpty(t, model)
}

func TestGeminiModelDisplayName(t *testing.T) {
	for name, id := range geminiModels {
		assert.Equal(t, name, geminiModelDisplayName(id))
	}
	assert.Equal(
		t,
		"gemini-1.0-ultra",
		geminiModelDisplayName("gemini-1.0-ultra"),
	)
}
