// Package alerthandler fans error-level log records out to an operator
// webhook on top of a primary slog handler. Webhook delivery failures are
// logged locally and otherwise swallowed; alerting must never take the
// daemon down.
package alerthandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Handler struct {
	inner      slog.Handler
	webhookURL string
	prefix     string
	httpClient *http.Client
	attrs      []slog.Attr
	groups     []string
}

func New(inner slog.Handler, webhookURL, prefix string) *Handler {
	return &Handler{
		inner:      inner,
		webhookURL: webhookURL,
		prefix:     prefix,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	err := h.inner.Handle(ctx, record)

	if record.Level >= slog.LevelError && h.webhookURL != "" {
		h.post(ctx, record)
	}

	return err
}

// WithAttrs qualifies the attr keys with the group path right away, so
// post can render pre-group and in-group attrs uniformly.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)

	qualified := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		qualified[i] = slog.Attr{Key: h.qualify(attr.Key), Value: attr.Value}
	}
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), qualified...)

	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *Handler) post(ctx context.Context, record slog.Record) {
	var sb strings.Builder
	if h.prefix != "" {
		sb.WriteString(h.prefix)
		sb.WriteString(" ")
	}
	sb.WriteString(record.Level.String())
	sb.WriteString(" ")
	sb.WriteString(record.Message)

	for _, attr := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", attr.Key, attr.Value)
	}
	record.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", h.qualify(attr.Key), attr.Value)
		return true
	})
	fmt.Fprintf(&sb, " alert_id=%s", uuid.NewString())

	payload, err := json.Marshal(map[string]string{"text": sb.String()})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(payload))
	if err != nil {
		h.logDeliveryFailure(ctx, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logDeliveryFailure(ctx, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		h.logDeliveryFailure(ctx, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// qualify prefixes an attr key with the open group path, matching how the
// inner handler scopes it.
func (h *Handler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

// logDeliveryFailure reports through the inner handler below error level,
// so a broken webhook cannot recurse into more webhook posts.
func (h *Handler) logDeliveryFailure(ctx context.Context, err error) {
	record := slog.NewRecord(time.Now(), slog.LevelWarn, "failed to deliver alert to webhook", 0)
	record.AddAttrs(slog.String("error", err.Error()))
	_ = h.inner.Handle(ctx, record)
}
