// Package notifier posts account availability status to the upstream
// sources-availability endpoint (spec §6): whenever an account's ingest
// health flips (e.g. a describe call starts failing with PermissionDenied,
// or recovers), the owning application is told so it can surface the
// condition to the customer.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/infrastructure/ratelimit"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/metrics"
)

// Status is the availability_status value reported upstream.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

type payload struct {
	AccountID              string `json:"account_id"`
	AvailabilityStatus     string `json:"availability_status"`
	AvailabilityStatusError string `json:"availability_status_error,omitempty"`
}

// Notifier posts account-availability transitions to a configured URL.
// A zero-value URL disables sending entirely (Notify becomes a no-op),
// matching environments that don't wire an upstream notification target.
type Notifier struct {
	url    string
	client *ratelimit.RateLimitedClient
}

// New builds a Notifier posting to url, rate-limited per cfg. An empty url
// yields a disabled Notifier.
func New(url string, cfg ratelimit.RateLimitConfig) *Notifier {
	return &Notifier{
		url:    url,
		client: ratelimit.NewRateLimitedClient(&http.Client{Timeout: 10 * time.Second}, cfg),
	}
}

// Notify reports accountID's availability. A non-2xx response is a warning
// condition except 404, which the upstream uses to mean "unknown account"
// and which callers should treat as non-fatal (spec §6).
func (n *Notifier) Notify(ctx context.Context, accountID string, status Status, statusErr string) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(payload{
		AccountID:               accountID,
		AvailabilityStatus:      string(status),
		AvailabilityStatusError: statusErr,
	})
	if err != nil {
		metrics.RecordNotifierRequest("error")
		return fmt.Errorf("marshal notifier payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		metrics.RecordNotifierRequest("error")
		return fmt.Errorf("build notifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.RecordNotifierRequest("error")
		return fmt.Errorf("post notifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.RecordNotifierRequest("not_found")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordNotifierRequest("rejected")
		return fmt.Errorf("notifier responded %d", resp.StatusCode)
	}

	metrics.RecordNotifierRequest("ok")
	return nil
}
