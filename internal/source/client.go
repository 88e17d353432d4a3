// Package source talks to the camera source's HTTP API: paged event
// listings for the poll reconciler and clip downloads for the uploader.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable signals an exhausted-retries connection failure,
	// distinct from an empty listing page.
	ErrUnavailable = errors.New("source unavailable")
	// ErrClipMissing is the distinguished "clip does not exist" outcome, as
	// opposed to a transient fetch failure.
	ErrClipMissing = errors.New("clip does not exist")
)

// clipMissingMessage is the body the source returns when a clip can no
// longer be assembled from recordings.
const clipMissingMessage = "Could not create clip from recordings"

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Event is one entry of a source listing page.
type Event struct {
	ID        string   `json:"id"`
	Camera    string   `json:"camera"`
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	HasClip   bool     `json:"has_clip"`
}

// FetchEvents lists one page of events oldest first. The source treats the
// after parameter as strictly exclusive on start_time; a caller that needs
// events at an exact mark included must pass a cursor just below it. An
// empty slice means no more events; an ErrUnavailable error means the source
// could not be reached within the retry budget.
func (c *Client) FetchEvents(ctx context.Context, after *float64, limit int) ([]Event, error) {
	const op = "source.FetchEvents"

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("sort", "date_asc")
	if after != nil {
		params.Set("after", strconv.FormatFloat(*after, 'f', -1, 64))
	}

	body, err := c.getWithRetry(ctx, fmt.Sprintf("%s/api/events?%s", c.baseURL, params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
	}
	defer body.Close()

	var events []Event
	if err := json.NewDecoder(body).Decode(&events); err != nil {
		return nil, fmt.Errorf("%s: decode listing: %w", op, err)
	}

	for _, e := range events {
		if e.ID == "" {
			return nil, fmt.Errorf("%s: listing entry missing id", op)
		}
	}

	return events, nil
}

// DownloadClip streams the event's clip. The caller owns the returned body.
// A source response identifying the clip as permanently unobtainable maps
// to ErrClipMissing.
func (c *Client) DownloadClip(ctx context.Context, eventID string) (io.ReadCloser, error) {
	const op = "source.DownloadClip"

	clipURL := c.ClipURL(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusInternalServerError {
		var errBody struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Message == clipMissingMessage {
			return nil, fmt.Errorf("%s: %w", op, ErrClipMissing)
		}
	}

	return nil, fmt.Errorf("%s: %w", op, &HTTPError{StatusCode: resp.StatusCode, Message: string(raw)})
}

func (c *Client) ClipURL(eventID string) string {
	return fmt.Sprintf("%s/api/events/%s/clip.mp4", c.baseURL, eventID)
}

// getWithRetry retries transient failures (network errors and 5xx) with
// capped exponential backoff. 4xx responses are returned immediately.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &HTTPError{StatusCode: resp.StatusCode, Message: string(raw)}

		if resp.StatusCode < http.StatusInternalServerError {
			return nil, lastErr
		}
	}

	return nil, lastErr
}
