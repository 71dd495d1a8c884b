package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

const maxTokens = 1500

// Provider implements models.VisionProvider against the OpenAI chat
// completions API. vLLM and Ollama expose the same API and reuse it.
type Provider struct {
	name   string
	model  string
	client sdk.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model, timeout)
}

// NewCompatible builds a provider for any OpenAI-compatible endpoint.
// apiKey may be empty for self-hosted servers, in which case no
// Authorization header is sent even if OPENAI_API_KEY is set.
// The SDK never retries on its own; retrying is left to tier escalation.
func NewCompatible(name, baseURL, apiKey, model string, timeout time.Duration) *Provider {
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithHeaderDel("authorization"))
	}
	return &Provider{
		name:   name,
		model:  model,
		client: sdk.NewClient(opts...),
	}
}

func (p *Provider) Name() string  { return p.name }
func (p *Provider) Model() string { return p.model }

func (p *Provider) Critique(ctx context.Context, req models.VisionRequest) (string, error) {
	parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(req.Images)+1)
	parts = append(parts, sdk.TextContentPart(req.Prompt))
	for _, img := range req.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{
			URL:    "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
			Detail: string(img.Detail),
		}))
	}

	params := sdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(parts)},
		Temperature: sdk.Float(req.Temperature),
		MaxTokens:   sdk.Int(maxTokens),
	}
	if req.Schema != nil {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
				},
			},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", models.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps SDK errors to sentinel errors. Rate limits, auth
// failures and server errors mean the provider is unavailable; other API
// statuses and undecodable replies mean the request or reply was bad.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 ||
			code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%w: status %d: %s", models.ErrProviderUnavailable, code, apiErr.Message)
		}
		return fmt.Errorf("%w: status %d: %s", models.ErrInvalidResponse, code, apiErr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", models.ErrInferenceTimeout, err)
		}
		return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: decoding response: %v", models.ErrInvalidResponse, err)
	}

	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

var _ models.VisionProvider = (*Provider)(nil)
