package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/clipcoach/internal/config"
	"github.com/kiranshivaraju/clipcoach/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	return NewProvider(config.AnthropicConfig{
		APIKey:  "sk-ant-test",
		Model:   "claude-sonnet-4-5-20250929",
		BaseURL: baseURL,
	}, 5*time.Second)
}

func sampleRequest() models.VisionRequest {
	return models.VisionRequest{
		Prompt:     "Analyse the spike.",
		Images:     []models.VisionImage{{Data: []byte{0xFF, 0xD8}, MediaType: "image/jpeg", Detail: models.DetailHigh}},
		SchemaName: "technique_report",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"strengths": map[string]any{"type": "array"}},
			"required":             []string{"strengths"},
			"additionalProperties": false,
		},
	}
}

// messagesBody is the subset of the Messages API request the tests inspect.
type messagesBody struct {
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content []struct {
			Type   string `json:"type"`
			Text   string `json:"text"`
			Source struct {
				Type      string `json:"type"`
				MediaType string `json:"media_type"`
				Data      string `json:"data"`
			} `json:"source"`
		} `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	} `json:"tools"`
	ToolChoice *struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"tool_choice"`
}

func writeMessage(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant",` +
		`"model":"claude-sonnet-4-5-20250929","stop_reason":"end_turn","content":` + content + `}`))
}

func TestCritique_ToolUseResponse(t *testing.T) {
	var got messagesBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeMessage(w, `[{"type":"tool_use","id":"toolu_1","name":"technique_report",`+
			`"input":{"strengths":["Fast approach"],"issues":[],"drills":[]}}]`)
	}))
	defer ts.Close()

	out, err := newTestProvider(t, ts.URL).Critique(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"strengths":["Fast approach"],"issues":[],"drills":[]}`, out)

	assert.Equal(t, "claude-sonnet-4-5-20250929", got.Model)
	assert.Equal(t, maxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	blocks := got.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "base64", blocks[0].Source.Type)
	assert.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
	assert.Equal(t, "text", blocks[1].Type)
	assert.Equal(t, "Analyse the spike.", blocks[1].Text)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "technique_report", got.Tools[0].Name)
	assert.Equal(t, "object", got.Tools[0].InputSchema["type"])
	assert.Equal(t, []any{"strengths"}, got.Tools[0].InputSchema["required"])
	assert.Equal(t, false, got.Tools[0].InputSchema["additionalProperties"])
	require.NotNil(t, got.ToolChoice)
	assert.Equal(t, "tool", got.ToolChoice.Type)
	assert.Equal(t, "technique_report", got.ToolChoice.Name)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, float64(0), *got.Temperature)
}

func TestCritique_TextResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, `[{"type":"text","text":"{\"strengths\":"},{"type":"text","text":"[]}"}]`)
	}))
	defer ts.Close()

	req := sampleRequest()
	req.Schema = nil
	out, err := newTestProvider(t, ts.URL).Critique(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"strengths":[]}`, out)
}

func TestCritique_EmptyContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, `[]`)
	}))
	defer ts.Close()

	_, err := newTestProvider(t, ts.URL).Critique(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestCritique_Overloaded(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer ts.Close()

	_, err := newTestProvider(t, ts.URL).Critique(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "Overloaded")
	assert.Equal(t, 1, calls, "overloaded calls are not retried")
}

func TestCritique_BadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"image too large"}}`))
	}))
	defer ts.Close()

	_, err := newTestProvider(t, ts.URL).Critique(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
	assert.Contains(t, err.Error(), "image too large")
}

func TestCritique_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestProvider(t, ts.URL).Critique(ctx, sampleRequest())
	assert.ErrorIs(t, err, models.ErrInferenceTimeout)
}
