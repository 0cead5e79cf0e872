package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"trading-corev1/internal/backoff"
)

// rank orders levels so a channel can drop alerts below its threshold.
func (l AlertLevel) rank() int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	}
	return 0
}

// AtLeast reports whether l is at least as severe as min.
func (l AlertLevel) AtLeast(min AlertLevel) bool { return l.rank() >= min.rank() }

// statusError is a non-2xx reply from an alert endpoint.
type statusError struct {
	channel string
	code    int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.channel, e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// postJSON posts payload to url. Transport errors, 429 and 5xx replies are
// retried up to attempts times with a short backoff.
func postJSON(ctx context.Context, client *http.Client, channel, url string, payload any, attempts int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", channel, err)
	}
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.New(200*time.Millisecond, 2*time.Second)
	for i := 1; ; i++ {
		err = postOnce(ctx, client, channel, url, body)
		if err == nil {
			return nil
		}
		if se, ok := err.(*statusError); ok && !se.retryable() {
			return err
		}
		if i >= attempts || !backoff.Sleep(ctx, nil, bo.Next()) {
			return err
		}
	}
}

func postOnce(ctx context.Context, client *http.Client, channel, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{channel: channel, code: resp.StatusCode}
	}
	return nil
}
