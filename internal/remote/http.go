package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gulfara/cardsync/internal/ids"
	"github.com/gulfara/cardsync/internal/queue"
)

// HTTPClient is a Store backed by the cardsync HTTP API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var (
	_ Store  = (*HTTPClient)(nil)
	_ Reader = (*HTTPClient)(nil)
	_ Pinger = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetRetryPolicy overrides the retry count and backoff bounds.
func (c *HTTPClient) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
}

func (c *HTTPClient) UpsertReviewState(ctx context.Context, p queue.UpsertReviewState, idempotencyKey string) error {
	return c.doJSON(ctx, http.MethodPut, reviewStatePath(p.LearnerID, p.CardID), idempotencyHeaders(idempotencyKey), p, nil, c.maxRetries)
}

func (c *HTTPClient) CreateDeck(ctx context.Context, p queue.CreateDeck, idempotencyKey string) error {
	return c.doJSON(ctx, http.MethodPut, deckPath(p.LearnerID, p.DeckID), idempotencyHeaders(idempotencyKey), p, nil, c.maxRetries)
}

func (c *HTTPClient) GetReviewState(ctx context.Context, learnerID, cardID string) (queue.UpsertReviewState, error) {
	var out queue.UpsertReviewState
	err := c.doJSON(ctx, http.MethodGet, reviewStatePath(learnerID, cardID), nil, nil, &out, c.maxRetries)
	return out, err
}

func (c *HTTPClient) GetDeck(ctx context.Context, learnerID, deckID string) (queue.CreateDeck, error) {
	var out queue.CreateDeck
	err := c.doJSON(ctx, http.MethodGet, deckPath(learnerID, deckID), nil, nil, &out, c.maxRetries)
	return out, err
}

// Ping checks the health endpoint once, without retries.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil, 0)
}

func reviewStatePath(learnerID, cardID string) string {
	return fmt.Sprintf("/v1/learners/%s/review-states/%s", url.PathEscape(learnerID), url.PathEscape(cardID))
}

func deckPath(learnerID, deckID string) string {
	return fmt.Sprintf("/v1/learners/%s/decks/%s", url.PathEscape(learnerID), url.PathEscape(deckID))
}

func idempotencyHeaders(key string) map[string]string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
	maxRetries int,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		cid, err := correlationID()
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", cid)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(resp.StatusCode) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599)
}

func correlationID() (string, error) {
	id, err := ids.Now()
	if err != nil {
		return "", err
	}
	return "cardsync_" + id, nil
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
