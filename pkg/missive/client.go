package missive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"attachsync/pkg/apierrors"
	"attachsync/pkg/logger"
	"attachsync/pkg/ratelimit"
	"attachsync/pkg/retry"
)

const listPageSize = 50

// Client is a Missive API client. All calls are idempotent reads, retried
// under a bounded policy with exponential backoff and jitter.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	rateLimiter ratelimit.Limiter
	maxAttempts int
	logger      logger.Logger
}

// NewClient creates a Missive API client.
func NewClient(baseURL, token string, timeout time.Duration, maxAttempts int, limiter ratelimit.Limiter, log logger.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		token:       token,
		rateLimiter: limiter,
		maxAttempts: maxAttempts,
		logger:      log,
	}
}

// ListConversationsSince returns conversations whose activity is at or after
// since, newest first. The list endpoint pages backwards in time via the
// until parameter. Pages overlap at their boundary timestamp, so results are
// deduplicated by id, and the walk stops once until no longer decreases
// (a full page sharing one timestamp would otherwise repeat forever).
func (c *Client) ListConversationsSince(ctx context.Context, since time.Time) ([]Conversation, error) {
	var all []Conversation
	seen := make(map[string]bool)
	until := time.Time{}

	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(listPageSize))
		if !until.IsZero() {
			params.Set("until", strconv.FormatInt(until.Unix(), 10))
		}

		var page conversationsResponse
		if err := c.getJSON(ctx, "/conversations?"+params.Encode(), &page); err != nil {
			return nil, err
		}
		if len(page.Conversations) == 0 {
			break
		}

		for _, conv := range page.Conversations {
			if seen[conv.ID] {
				continue
			}
			seen[conv.ID] = true
			if time.Unix(conv.LastActivityAt, 0).Before(since) {
				continue
			}
			all = append(all, conv)
		}

		last := page.Conversations[len(page.Conversations)-1]
		lastActivity := time.Unix(last.LastActivityAt, 0)
		if lastActivity.Before(since) || len(page.Conversations) < listPageSize {
			break
		}
		if !until.IsZero() && !lastActivity.Before(until) {
			break
		}
		until = lastActivity
	}

	return all, nil
}

// ListConversationMessages returns the messages of one conversation,
// attachments included.
func (c *Client) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp messagesResponse
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// FreshAttachmentURL re-fetches a message and returns the current signed URL
// for one of its attachments. Used when a previously discovered URL has
// expired or answered 403.
func (c *Client) FreshAttachmentURL(ctx context.Context, messageID, attachmentID string) (string, error) {
	var resp messageResponse
	path := fmt.Sprintf("/messages/%s", url.PathEscape(messageID))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return "", err
	}

	for _, att := range resp.Messages.Attachments {
		if att.ID == attachmentID && att.URL != "" {
			return att.URL, nil
		}
	}
	return "", apierrors.New(apierrors.ErrorTypeNotFound, 404,
		"attachment %s not found in message %s", attachmentID, messageID)
}

// Download fetches a signed attachment URL and returns the full body. The
// URL carries its own authorization, so no API headers are sent.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeUnknown, 0, "invalid download url: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeNetwork, 0, "download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierrors.FromStatusCode(resp.StatusCode,
			fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeNetwork, 0, "reading download body: %v", err)
	}
	return data, nil
}

// getJSON performs an authenticated GET under the retry policy and decodes
// the response into target.
func (c *Client) getJSON(ctx context.Context, path string, target interface{}) error {
	op := func() (json.RawMessage, error) {
		return c.doGet(ctx, path)
	}

	cfg := &retry.Config{
		MaxAttempts: c.maxAttempts,
		Backoff:     retry.DefaultExponentialBackoff(),
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      c.logger,
	}

	body, err := retry.DoWithResult(op, cfg)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return apierrors.New(apierrors.ErrorTypeParsing, 0, "decoding %s response: %v", path, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string) (json.RawMessage, error) {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.rateLimiter.Wait()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeUnknown, 0, "building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorWithFields("missive request failed", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return nil, apierrors.New(apierrors.ErrorTypeNetwork, 0, "network error: %v", err)
	}
	defer resp.Body.Close()

	c.logger.DebugWithFields("missive request completed", map[string]interface{}{
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	})

	if resp.StatusCode == http.StatusTooManyRequests {
		// The server knows best when capacity returns; respect Retry-After
		// before handing the error back to the retry policy.
		if wait := retryAfter(resp); wait > 0 {
			c.logger.WarnWithFields("rate limited by missive", map[string]interface{}{
				"retry_after": wait,
			})
			if err := retry.Wait(ctx, wait); err != nil {
				return nil, err
			}
		}
		return nil, apierrors.FromStatusCode(resp.StatusCode, "rate limited")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apierrors.FromStatusCode(resp.StatusCode,
			fmt.Sprintf("missive returned status %d for %s", resp.StatusCode, path))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.New(apierrors.ErrorTypeNetwork, 0, "reading response body: %v", err)
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
