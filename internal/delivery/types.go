package delivery

import (
	"strings"

	"ytdeliver/internal/media"
)

// CacheMode selects how bytes reach the client.
type CacheMode int

const (
	// Prefetch materialises the media in a temp file and then sends it.
	Prefetch CacheMode = iota
	// Direct pipes bytes to the client as they are produced.
	Direct
)

func (m CacheMode) String() string {
	if m == Direct {
		return "direct"
	}
	return "prefetch"
}

// ModeFromNoCache maps the nocache query parameter onto a CacheMode.
// Only a literal "true" (case-insensitive) selects direct streaming.
func ModeFromNoCache(v string) CacheMode {
	if strings.EqualFold(strings.TrimSpace(v), "true") {
		return Direct
	}
	return Prefetch
}

// Request is one download-and-deliver job, alive for a single HTTP request.
type Request struct {
	SourceURL string
	Kind      media.Kind
	Mode      CacheMode
	// Quality is an itag, or "highestaudio" for audio. Empty means the
	// configured default.
	Quality string
}

// State is a step of the delivery state machine.
type State string

const (
	StateIdle       State = "idle"
	StateExtracting State = "extracting"
	StateTranscode  State = "transcoding"
	StateDelivering State = "delivering"
	StateFallback   State = "failed_fallback"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Stats is a snapshot of the orchestrator counters.
type Stats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Fallbacks int64 `json:"fallbacks"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
