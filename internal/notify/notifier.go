// Package notify pushes operator alerts to external channels (Telegram,
// Discord). Delivery is best-effort; the settlement path never blocks on a
// notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sender delivers one rendered alert to a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every configured sender, filtered by event
// type. An empty event list means no filtering.
type Notifier struct {
	senders []Sender
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to senders. Only alerts whose
// event type appears in events are forwarded by Notify; pass an empty slice
// to forward everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	n := &Notifier{
		senders: senders,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	if len(events) > 0 {
		n.allowed = make(map[string]struct{}, len(events))
		for _, e := range events {
			n.allowed[strings.TrimSpace(e)] = struct{}{}
		}
	}
	return n
}

// Notify delivers the alert if its event type passes the configured filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n.allowed != nil {
		if _, ok := n.allowed[event]; !ok {
			n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
			return nil
		}
	}
	return n.fanout(ctx, title, message)
}

// NotifyAll delivers the alert regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.fanout(ctx, title, message)
}

// fanout sends to every sender. One sender failing does not stop the others;
// failures are joined into the returned error.
func (n *Notifier) fanout(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// senderClient is the HTTP client shared by the concrete senders.
var senderClient = &http.Client{Timeout: 10 * time.Second}

// postJSON marshals payload and POSTs it to url, treating any non-2xx status
// as an error. The response body is capped when echoed into the error.
func postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := senderClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
