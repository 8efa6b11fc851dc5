package runs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Notifier delivers run completion webhooks. Delivery is best effort: a
// failed POST is logged and swallowed, never retried, and never affects the
// run's terminal status.
type Notifier struct {
	client *http.Client
	log    *slog.Logger
}

func NewNotifier(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Notify POSTs the finished run to url. When secret is set the body is
// signed with HMAC-SHA256 and the hex digest sent as X-Webhook-Signature.
func (n *Notifier) Notify(ctx context.Context, url, secret string, run *flow.Run) {
	body, err := json.Marshal(map[string]any{"run": run})
	if err != nil {
		n.log.Warn("webhook marshal failed", "runId", run.ID, "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("webhook request failed", "runId", run.ID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed", "runId", run.ID, "url", url, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("webhook rejected", "runId", run.ID, "url", url, "status", resp.StatusCode)
	}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
