package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// messageListLimit bounds how many messages are fetched after a run completes.
const messageListLimit = 20

// OpenAIThreads talks to the assistants API through the official SDK.
type OpenAIThreads struct {
	client openai.Client
}

// NewOpenAIThreads builds the SDK client. Azure mode is selected when an Azure endpoint is
// configured. SDK retries are disabled; a failed request surfaces immediately.
func NewOpenAIThreads(opts ...Option) (*OpenAIThreads, error) {
	cfg := applyOptions(opts)
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	var reqOpts []option.RequestOption
	if cfg.AzureEndpoint != "" {
		reqOpts = append(reqOpts,
			azure.WithEndpoint(cfg.AzureEndpoint, cfg.APIVersion),
			azure.WithAPIKey(cfg.APIKey),
		)
	} else {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
	}
	reqOpts = append(reqOpts, option.WithMaxRetries(0))
	if cfg.RequestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	slog.Debug("NewOpenAIThreads: client configured", "azure", cfg.AzureEndpoint != "",
		"base_url_set", cfg.BaseURL != "", "request_timeout", cfg.RequestTimeout)
	return &OpenAIThreads{client: openai.NewClient(reqOpts...)}, nil
}

func (o *OpenAIThreads) CreateThread(ctx context.Context) (string, error) {
	thread, err := o.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

func (o *OpenAIThreads) AddUserMessage(ctx context.Context, threadID, text string) error {
	_, err := o.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(text),
		},
	})
	return err
}

func (o *OpenAIThreads) CreateRun(ctx context.Context, threadID, assistantID string) (models.Run, error) {
	run, err := o.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: assistantID,
	})
	if err != nil {
		return models.Run{}, err
	}
	return toRun(run), nil
}

func (o *OpenAIThreads) GetRun(ctx context.Context, threadID, runID string) (models.Run, error) {
	run, err := o.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return models.Run{}, err
	}
	return toRun(run), nil
}

func (o *OpenAIThreads) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := o.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	return err
}

func (o *OpenAIThreads) ListMessages(ctx context.Context, threadID, runID string) ([]models.AssistantMessage, error) {
	params := openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(messageListLimit),
	}
	if runID != "" {
		params.RunID = openai.String(runID)
	}
	page, err := o.client.Beta.Threads.Messages.List(ctx, threadID, params)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, fmt.Errorf("empty message page for thread %s", threadID)
	}

	msgs := make([]models.AssistantMessage, 0, len(page.Data))
	for _, m := range page.Data {
		msg := models.AssistantMessage{
			ID:        m.ID,
			Role:      models.MessageRole(m.Role),
			CreatedAt: m.CreatedAt,
		}
		for _, block := range m.Content {
			if block.Type == "text" {
				msg.Text = block.Text.Value
				break
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func toRun(run *openai.Run) models.Run {
	return models.Run{
		ID:        run.ID,
		ThreadID:  run.ThreadID,
		Status:    models.RunStatus(run.Status),
		LastError: run.LastError.Message,
	}
}

var _ threadsAPI = (*OpenAIThreads)(nil)
