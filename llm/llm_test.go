package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9MpulS/RAG-Asistent/config"
)

var testSchema = Schema{
	Name: "intent",
	Definition: &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"normalized_query": {Type: jsonschema.String},
		},
		Required: []string{"normalized_query"},
	},
}

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o",
		},
	}

	_, err := NewClient(cfg)
	assert.Error(t, err)
}

func TestOllamaStructuredSendsFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Contains(t, string(req.Format), "normalized_query")
		require.Len(t, req.Messages, 1)

		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: `{"normalized_query":"стипендія"}`},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "llama3.1:8b", OllamaHost: srv.URL})
	out, err := client.GenerateStructured(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, testSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"normalized_query":"стипендія"}`, out)
}

func TestOllamaGenerateOmitsFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, hasFormat := raw["format"]
		assert.False(t, hasFormat)
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "plain"}})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "m", OllamaHost: srv.URL})
	out, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestOpenAIStructuredUsesJSONSchemaFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			ResponseFormat struct {
				Type       string `json:"type"`
				JSONSchema struct {
					Name   string `json:"name"`
					Strict bool   `json:"strict"`
				} `json:"json_schema"`
			} `json:"response_format"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, "json_schema", raw.ResponseFormat.Type)
		assert.Equal(t, "intent", raw.ResponseFormat.JSONSchema.Name)
		assert.True(t, raw.ResponseFormat.JSONSchema.Strict)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"normalized_query\":\"x\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "gpt-4o-mini", OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	out, err := client.GenerateStructured(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, testSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"normalized_query":"x"}`, out)
}

func TestGenerateStructuredRequiresDefinition(t *testing.T) {
	client := NewOllamaClient(Options{Model: "m"})
	_, err := client.GenerateStructured(context.Background(), nil, Schema{Name: "empty"})
	assert.Error(t, err)
}
