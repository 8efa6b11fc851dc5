package flow

import (
	"encoding/json"
	"strings"
	"time"
)

// RateLimitPolicy caps request throughput for one published flow API.
// A zero PerMinute disables limiting.
type RateLimitPolicy struct {
	PerMinute int `json:"perMinute"`
	Burst     int `json:"burst,omitempty"`
}

// FlowAPI publishes a flow at a slug with its own execution policies.
// It holds a weak (id + version) reference to the flow it exposes.
type FlowAPI struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flowId"`
	FlowVersion   string          `json:"flowVersion,omitempty"`
	Slug          string          `json:"slug"`
	Enabled       bool            `json:"enabled"`
	DefaultTTL    int             `json:"defaultTtl"` // seconds
	MaxTTL        int             `json:"maxTtl"`     // seconds
	Timeout       int             `json:"timeout"`    // milliseconds, per request
	RateLimit     RateLimitPolicy `json:"rateLimit"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"description,omitempty"`
	APIVersion    string          `json:"apiVersion,omitempty"`
	WebhookSecret string          `json:"-"`
	CachedSpec    json.RawMessage `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

const maxSlugLen = 64

// Slugify derives a URL slug from a display name: lowercased, runs of
// non-alphanumerics collapsed to "-", trimmed, truncated to 64 chars.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}
