package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
)

const maxTokens = 1500

// Provider implements models.VisionProvider using the Anthropic Messages API.
// A requested schema is enforced by forcing a single tool call whose input
// is the report.
type Provider struct {
	model  string
	client sdk.Client
}

func NewProvider(cfg config.AnthropicConfig, timeout time.Duration) *Provider {
	return &Provider{
		model: cfg.Model,
		client: sdk.NewClient(
			option.WithBaseURL(cfg.BaseURL),
			option.WithAPIKey(cfg.APIKey),
			option.WithRequestTimeout(timeout),
			option.WithMaxRetries(0),
		),
	}
}

func (p *Provider) Name() string  { return "anthropic" }
func (p *Provider) Model() string { return p.model }

func (p *Provider) Critique(ctx context.Context, req models.VisionRequest) (string, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))

	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.model),
		MaxTokens:   maxTokens,
		Temperature: sdk.Float(req.Temperature),
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(blocks...)},
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "report"
		}
		params.Tools = []sdk.ToolUnionParam{{OfTool: &sdk.ToolParam{
			Name:        name,
			Description: sdk.String("Record the structured analysis."),
			InputSchema: inputSchema(req.Schema),
		}}}
		params.ToolChoice = sdk.ToolChoiceParamOfTool(name)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	return replyText(msg.Content)
}

// inputSchema splits a JSON schema object into the SDK's typed fields.
// Keywords other than properties and required ride along as extras.
func inputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	var out sdk.ToolInputSchemaParam
	for k, v := range schema {
		switch k {
		case "type":
		case "properties":
			out.Properties = v
		case "required":
			out.Required = stringList(v)
		default:
			if out.ExtraFields == nil {
				out.ExtraFields = make(map[string]any)
			}
			out.ExtraFields[k] = v
		}
	}
	return out
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// replyText returns the tool input when the model called the tool, otherwise
// the concatenated text blocks.
func replyText(content []sdk.ContentBlockUnion) (string, error) {
	var sb strings.Builder
	for _, block := range content {
		switch block.Type {
		case "tool_use":
			if len(block.Input) > 0 {
				return string(block.Input), nil
			}
		case "text":
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: no content", models.ErrInvalidResponse)
	}
	return sb.String(), nil
}

// classifyError maps SDK errors to sentinel errors. 529 is Anthropic's
// "overloaded" and counts as a server error.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		msg := errorMessage(apiErr.RawJSON())
		if code == http.StatusTooManyRequests || code >= 500 ||
			code == http.StatusUnauthorized || code == http.StatusForbidden {
			return fmt.Errorf("%w: status %d: %s", models.ErrProviderUnavailable, code, msg)
		}
		return fmt.Errorf("%w: status %d: %s", models.ErrInvalidResponse, code, msg)
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

// errorMessage pulls error.message out of an API error body, falling back
// to the raw body.
func errorMessage(raw string) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(raw)
}

var _ models.VisionProvider = (*Provider)(nil)
