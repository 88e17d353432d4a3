// Package remote is the archive-storage API client. The uploader resolves
// dated folders and streams clip files through it; the retention job lists
// and deletes aged files.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("remote object not found")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Folder is a remote directory node.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent"`
}

// File is a remote file node, as returned by retention listings.
type File struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	ParentID string    `json:"parent"`
	Created  time.Time `json:"created"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// FindFolder looks a folder up by name under a parent. parentID "" means
// the remote root.
func (c *Client) FindFolder(ctx context.Context, parentID, name string) (Folder, error) {
	const op = "remote.FindFolder"

	params := url.Values{}
	params.Set("name", name)
	if parentID != "" {
		params.Set("parent", parentID)
	}

	var result struct {
		Folders []Folder `json:"folders"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/api/folders?%s", c.baseURL, params.Encode()), &result); err != nil {
		return Folder{}, fmt.Errorf("%s: %w", op, err)
	}

	if len(result.Folders) == 0 {
		return Folder{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return result.Folders[0], nil
}

func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (Folder, error) {
	const op = "remote.CreateFolder"

	payload, err := json.Marshal(map[string]string{"name": name, "parent": parentID})
	if err != nil {
		return Folder{}, fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/folders", bytes.NewReader(payload))
	if err != nil {
		return Folder{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var folder Folder
	if err := c.doJSON(req, &folder); err != nil {
		return Folder{}, fmt.Errorf("%s: %w", op, err)
	}

	return folder, nil
}

// Folder fetches one folder by id; retention uses it to walk parents.
func (c *Client) Folder(ctx context.Context, folderID string) (Folder, error) {
	const op = "remote.Folder"

	var folder Folder
	if err := c.getJSON(ctx, fmt.Sprintf("%s/api/folders/%s", c.baseURL, url.PathEscape(folderID)), &folder); err != nil {
		return Folder{}, fmt.Errorf("%s: %w", op, err)
	}

	return folder, nil
}

// UploadFile streams a single file into a folder and returns the new file
// id. The remote side overwrites an existing file with the same name in the
// same folder, which keeps the operation idempotent per event.
func (c *Client) UploadFile(ctx context.Context, folderID, name string, r io.Reader) (string, error) {
	const op = "remote.UploadFile"

	params := url.Values{}
	params.Set("folder", folderID)
	params.Set("name", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/files?%s", c.baseURL, params.Encode()), r)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "video/mp4")

	var result struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(req, &result); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("%s: upload returned no file id", op)
	}

	return result.ID, nil
}

// ListFilesOlderThan pages through files created before the cutoff.
func (c *Client) ListFilesOlderThan(ctx context.Context, cutoff time.Time) ([]File, error) {
	const op = "remote.ListFilesOlderThan"

	var files []File
	cursor := ""

	for {
		params := url.Values{}
		params.Set("created_before", cutoff.UTC().Format(time.RFC3339))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Files      []File  `json:"files"`
			NextCursor *string `json:"nextCursor"`
		}
		if err := c.getJSON(ctx, fmt.Sprintf("%s/api/files?%s", c.baseURL, params.Encode()), &page); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		files = append(files, page.Files...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return files, nil
		}
		cursor = *page.NextCursor
	}
}

// ListChildren returns the ids of a folder's direct children (files and
// folders); retention treats an empty result as a deletable folder.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]string, error) {
	const op = "remote.ListChildren"

	var result struct {
		Children []struct {
			ID string `json:"id"`
		} `json:"children"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/api/folders/%s/children", c.baseURL, url.PathEscape(folderID)), &result); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ids := make([]string, 0, len(result.Children))
	for _, child := range result.Children {
		ids = append(ids, child.ID)
	}

	return ids, nil
}

// Delete removes a file or folder by id. Deleting an already-gone object
// maps to ErrNotFound so retention can ignore races with itself.
func (c *Client) Delete(ctx context.Context, objectID string) error {
	const op = "remote.Delete"

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/api/objects/%s", c.baseURL, url.PathEscape(objectID)), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}

		err = c.doJSON(req, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			return err
		}
	}

	return lastErr
}

func (c *Client) doJSON(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
