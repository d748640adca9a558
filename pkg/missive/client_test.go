package missive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attachsync/pkg/apierrors"
	"attachsync/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(server.URL, "test-token", 5*time.Second, 1, nil, logger.NewNop())
	return client, server
}

func TestListConversationsSince(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour).Unix()
	old := now.Add(-48 * time.Hour).Unix()

	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/conversations", r.URL.Path)

		resp := conversationsResponse{Conversations: []Conversation{
			{ID: "conv-new", LastActivityAt: recent, AttachmentsCount: 2},
			{ID: "conv-old", LastActivityAt: old},
		}}
		json.NewEncoder(w).Encode(resp)
	}))

	convs, err := client.ListConversationsSince(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	require.Len(t, convs, 1, "conversations older than since are filtered")
	assert.Equal(t, "conv-new", convs[0].ID)
}

func TestListConversationsPagination(t *testing.T) {
	now := time.Now()
	since := now.Add(-24 * time.Hour)

	// First page is full, so the client must follow with until set to the
	// oldest activity of the page.
	var untilParams []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		untilParams = append(untilParams, r.URL.Query().Get("until"))

		var convs []Conversation
		if len(untilParams) == 1 {
			for i := 0; i < listPageSize; i++ {
				convs = append(convs, Conversation{
					ID:             fmt.Sprintf("conv-%d", i),
					LastActivityAt: now.Add(-time.Duration(i) * time.Minute).Unix(),
				})
			}
		} else {
			convs = []Conversation{
				{ID: "conv-old", LastActivityAt: now.Add(-48 * time.Hour).Unix()},
			}
		}
		json.NewEncoder(w).Encode(conversationsResponse{Conversations: convs})
	}))

	convs, err := client.ListConversationsSince(context.Background(), since)
	require.NoError(t, err)

	require.Len(t, untilParams, 2, "full page must trigger a second request")
	assert.Empty(t, untilParams[0])
	assert.NotEmpty(t, untilParams[1])
	assert.Len(t, convs, listPageSize, "the page-two conversation is older than since")
}

func TestListConversationsPaginationTerminatesOnSharedTimestamp(t *testing.T) {
	now := time.Now()
	shared := now.Add(-time.Hour).Unix()

	// A full page whose entries all share one activity timestamp makes the
	// until cursor stop moving: the server answers the next request with
	// the identical page. The client must stop instead of looping, and the
	// repeated entries must not be returned twice.
	requests := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var convs []Conversation
		for i := 0; i < listPageSize; i++ {
			convs = append(convs, Conversation{
				ID:             fmt.Sprintf("conv-%d", i),
				LastActivityAt: shared,
			})
		}
		json.NewEncoder(w).Encode(conversationsResponse{Conversations: convs})
	}))

	convs, err := client.ListConversationsSince(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, requests, "the walk must stop once until no longer decreases")
	require.Len(t, convs, listPageSize)
	seen := make(map[string]bool)
	for _, conv := range convs {
		assert.False(t, seen[conv.ID], "conversation %s returned twice", conv.ID)
		seen[conv.ID] = true
	}
}

func TestListConversationMessages(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/conv-1/messages", r.URL.Path)
		json.NewEncoder(w).Encode(messagesResponse{Messages: []Message{
			{ID: "msg-1", Attachments: []Attachment{{ID: "att-1", Filename: "invoice.pdf"}}},
		}})
	}))

	msgs, err := client.ListConversationMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "att-1", msgs[0].Attachments[0].ID)
}

func TestFreshAttachmentURL(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/msg-1", r.URL.Path)
		json.NewEncoder(w).Encode(messageResponse{Messages: Message{
			ID: "msg-1",
			Attachments: []Attachment{
				{ID: "att-1", URL: "https://files.example.com/a.pdf?sig=new"},
				{ID: "att-2", URL: "https://files.example.com/b.pdf?sig=new"},
			},
		}})
	}))

	url, err := client.FreshAttachmentURL(context.Background(), "msg-1", "att-2")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/b.pdf?sig=new", url)

	_, err = client.FreshAttachmentURL(context.Background(), "msg-1", "att-missing")
	require.Error(t, err)
	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierrors.ErrorTypeNotFound, apiErr.Type)
}

func TestDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "signed urls carry their own auth")
		w.Write([]byte("pdf bytes"))
	}))
	defer server.Close()

	client := NewClient("http://unused", "test-token", 5*time.Second, 1, nil, logger.NewNop())
	data, err := client.Download(context.Background(), server.URL+"/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), data)
}

func TestDownload403MapsToURLExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient("http://unused", "test-token", 5*time.Second, 1, nil, logger.NewNop())
	_, err := client.Download(context.Background(), server.URL+"/a.pdf")
	require.Error(t, err)

	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierrors.ErrorTypeURLExpired, apiErr.Type)
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(conversationsResponse{})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", 5*time.Second, 5, nil, logger.NewNop())
	_, err := client.ListConversationsSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestGetJSONDoesNotRetryAuthErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-token", 5*time.Second, 5, nil, logger.NewNop())
	_, err := client.ListConversationsSince(context.Background(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth failures are permanent")

	var apiErr *apierrors.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierrors.ErrorTypeAuth, apiErr.Type)
}

func TestRetryAfterHeader(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(conversationsResponse{})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", 10*time.Second, 3, nil, logger.NewNop())
	start := time.Now()
	_, err := client.ListConversationsSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "Retry-After must be honored")
}

func TestHasAttachments(t *testing.T) {
	tests := []struct {
		name string
		conv Conversation
		want bool
	}{
		{"count set", Conversation{AttachmentsCount: 3}, true},
		{"latest message carries attachments", Conversation{
			LatestMessage: &Message{Attachments: []Attachment{{ID: "att-1"}}},
		}, true},
		{"nothing", Conversation{}, false},
		{"empty latest message", Conversation{LatestMessage: &Message{}}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.conv.HasAttachments())
		})
	}
}
