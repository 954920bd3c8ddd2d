package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openaigo "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"santosobot/internal/auth"
	"santosobot/pkg/logger"
)

func TestOpenAIClientCompatibility(t *testing.T) {
	gw := newGateway(t, replyWith("hello from santoso"),
		WithAuth(auth.NewStatic([]string{"test-key"}, auth.WithAuditLogger(logger.Discard()))))
	srv := httptest.NewServer(gw.server.Handler())
	defer srv.Close()

	client := openaigo.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
	completion, err := client.Chat.Completions.New(context.Background(), openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel("santosobot"),
		Messages: []openaigo.ChatCompletionMessageParamUnion{openaigo.UserMessage("hi")},
		User:     openaigo.String("compat"),
	})
	require.NoError(t, err)
	require.Len(t, completion.Choices, 1)
	assert.Equal(t, "hello from santoso", completion.Choices[0].Message.Content)
	assert.Equal(t, "santosobot", completion.Model)
	assert.Equal(t, int64(15), completion.Usage.TotalTokens)
	assert.Len(t, gw.agent.Memory().Window("gateway:compat"), 3)

	denied := openaigo.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("wrong"),
		option.WithMaxRetries(0),
	)
	_, err = denied.Chat.Completions.New(context.Background(), openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel("santosobot"),
		Messages: []openaigo.ChatCompletionMessageParamUnion{openaigo.UserMessage("hi")},
	})
	var apiErr *openaigo.Error
	require.True(t, errors.As(err, &apiErr), "unexpected error %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
