// Package progress delivers best-effort training progress events to a
// human-facing sink. Reporting never blocks or fails the training path: a
// sink that is down is logged and ignored.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event is one progress update from a client or the coordinator.
type Event struct {
	ClientID string  `json:"client_id,omitempty"`
	Round    int     `json:"round"`
	Phase    string  `json:"phase"` // "training", "sending_weights", "aggregating", "round_complete"
	Epoch    int     `json:"epoch,omitempty"`
	Epochs   int     `json:"total_epochs,omitempty"`
	Loss     float64 `json:"loss,omitempty"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Reporter is a sink for progress events.
type Reporter interface {
	Report(ctx context.Context, e Event)
}

// Nop discards all events.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, Event) {}

// HTTPReporter POSTs events as JSON to a backend endpoint.
type HTTPReporter struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// NewHTTPReporter creates a reporter with a short request timeout so a slow
// backend cannot stall a training round.
func NewHTTPReporter(url string, logger *slog.Logger) *HTTPReporter {
	return &HTTPReporter{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
		Logger: logger,
	}
}

// Report implements Reporter. Failures are logged at debug level and
// swallowed.
func (r *HTTPReporter) Report(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Debug("progress report failed", "error", err.Error())
		}
		return
	}
	resp.Body.Close()
}
