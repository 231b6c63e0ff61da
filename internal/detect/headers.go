package detect

import (
	"sync"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// HeaderCache keeps the most recent request headers seen per tab so the
// download orchestrator can replay authentication (Cookie, Authorization,
// Referer) to the helper. Cleared with the tab.
type HeaderCache struct {
	mu   sync.RWMutex
	tabs map[stream.TabID]map[string]string
}

// NewHeaderCache creates an empty header cache.
func NewHeaderCache() *HeaderCache {
	return &HeaderCache{tabs: make(map[stream.TabID]map[string]string)}
}

// interestingHeaders are the request headers worth replaying to the helper.
var interestingHeaders = map[string]bool{
	"cookie":        true,
	"authorization": true,
	"referer":       true,
	"origin":        true,
	"user-agent":    true,
}

// Capture merges request headers for a tab, keeping only headers relevant
// to authenticated fetches. Later sightings overwrite earlier values.
func (c *HeaderCache) Capture(tabID stream.TabID, headers map[string]string) {
	if len(headers) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.tabs[tabID]
	if existing == nil {
		existing = make(map[string]string)
		c.tabs[tabID] = existing
	}
	for name, value := range headers {
		if interestingHeaders[lowerASCII(name)] && value != "" {
			existing[canonicalHeaderName(name)] = value
		}
	}
}

// Headers returns a copy of the captured headers for a tab, or nil if none.
func (c *HeaderCache) Headers(tabID stream.TabID) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	existing := c.tabs[tabID]
	if len(existing) == 0 {
		return nil
	}
	out := make(map[string]string, len(existing))
	for k, v := range existing {
		out[k] = v
	}
	return out
}

// Cleanup drops captured headers for a tab.
func (c *HeaderCache) Cleanup(tabID stream.TabID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tabs, tabID)
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

// canonicalHeaderName normalizes a header name to its conventional casing.
func canonicalHeaderName(name string) string {
	switch lowerASCII(name) {
	case "cookie":
		return "Cookie"
	case "authorization":
		return "Authorization"
	case "referer":
		return "Referer"
	case "origin":
		return "Origin"
	case "user-agent":
		return "User-Agent"
	default:
		return name
	}
}
