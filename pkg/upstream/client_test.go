package upstream

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbridge/ccbridge/pkg/models"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "claude-haiku-4-5", ResolveModel("haiku"))
	assert.Equal(t, "claude-sonnet-4-5", ResolveModel("sonnet"))
	assert.Equal(t, "claude-opus-4-1", ResolveModel("opus"))
	// Concrete identifiers pass through.
	assert.Equal(t, "claude-sonnet-4-5", ResolveModel("claude-sonnet-4-5"))
}

func TestCompleteMapsAliasAndReturnsUsage(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Model: "claude-sonnet-4-5",
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "Hello "},
				{Type: "text", Text: "world"},
			},
			Usage: sdk.Usage{InputTokens: 12, OutputTokens: 7},
		},
	}
	client, err := New(stub, 1024)
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &Request{
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Text)
	assert.Equal(t, models.Usage{InputTokens: 12, OutputTokens: 7}, resp.Usage)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(1024), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestCompleteEncodesRoles(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	client, err := New(stub, 256)
	require.NoError(t, err)

	temp := 0.7
	_, err = client.Complete(context.Background(), &Request{
		Model: "haiku",
		Messages: []models.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "q"},
			{Role: "assistant", Content: "a"},
			{Role: "user", Content: "q2"},
		},
		MaxTokens:   64,
		Temperature: &temp,
	})
	require.NoError(t, err)

	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be terse", stub.lastParams.System[0].Text)
	assert.Len(t, stub.lastParams.Messages, 3)
	assert.Equal(t, int64(64), stub.lastParams.MaxTokens)
	assert.Equal(t, 0.7, stub.lastParams.Temperature.Value)
}

func TestCompleteRejectsBadInput(t *testing.T) {
	client, err := New(&stubMessagesClient{}, 256)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &Request{Model: "sonnet"})
	assert.Error(t, err)

	_, err = client.Complete(context.Background(), &Request{
		Model:    "sonnet",
		Messages: []models.Message{{Role: "tool", Content: "x"}},
	})
	assert.Error(t, err)
}

func TestCompleteWrapsUpstreamError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	client, err := New(stub, 256)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &Request{
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestNewFromConfigWithoutKey(t *testing.T) {
	client, err := NewFromConfig("", "", 256)
	require.NoError(t, err)
	assert.Nil(t, client)
}
