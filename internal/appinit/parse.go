package appinit

import (
	"encoding/json"
	"strings"

	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// envelope is the JSON contract an init script prints as its final output: a
// required url plus optional cookies.
type envelope struct {
	URL     string         `json:"url"`
	Cookies []track.Cookie `json:"cookies"`
}

// parseEnvelope extracts the trailing JSON object from script stdout. Scripts
// may log freely before the envelope, and the envelope itself may contain
// nested objects (cookies), so candidate start positions are tried from the
// last "{" backwards until one decodes cleanly to the end of output.
func parseEnvelope(stdout string) (envelope, error) {
	trimmed := strings.TrimSpace(stdout)

	var firstErr error
	for idx := strings.LastIndex(trimmed, "{"); idx >= 0; idx = strings.LastIndex(trimmed[:idx], "{") {
		var env envelope
		err := json.Unmarshal([]byte(trimmed[idx:]), &env)
		if err == nil {
			return env, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		// No "{" anywhere; decode the raw output for a useful error.
		var env envelope
		firstErr = json.Unmarshal([]byte(trimmed), &env)
	}
	return envelope{}, firstErr
}
