// Package proxy rotates outbound requests across configured egress proxies.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Cursor yields a monotonically increasing position. Pool maps it onto the
// endpoint list with a modulo.
type Cursor interface {
	Next(ctx context.Context) (uint64, error)
}

// MemoryCursor is a process-local cursor.
type MemoryCursor struct {
	n atomic.Uint64
}

// Next returns 0, 1, 2, ...
func (c *MemoryCursor) Next(context.Context) (uint64, error) {
	return c.n.Add(1) - 1, nil
}

// Pool is an ordered list of proxy endpoints plus a rotation cursor.
type Pool struct {
	endpoints []string
	cursor    Cursor
	local     MemoryCursor
	log       zerolog.Logger
}

// NewPool builds a pool. A nil cursor means a MemoryCursor.
func NewPool(endpoints []string, cursor Cursor, log zerolog.Logger) *Pool {
	p := &Pool{
		endpoints: append([]string(nil), endpoints...),
		log:       log,
	}
	if cursor == nil {
		cursor = &p.local
	}
	p.cursor = cursor
	return p
}

// Len is the number of configured endpoints.
func (p *Pool) Len() int { return len(p.endpoints) }

// Next selects the endpoint for one request. It returns false when no
// proxies are configured.
func (p *Pool) Next(ctx context.Context) (string, bool) {
	if p == nil || len(p.endpoints) == 0 {
		return "", false
	}
	pos, err := p.cursor.Next(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("proxy cursor unavailable, using local rotation")
		pos, _ = p.local.Next(ctx)
	}
	return p.endpoints[pos%uint64(len(p.endpoints))], true
}

// HTTPClient returns a client whose transport goes through endpoint.
// Empty or malformed endpoints yield http.DefaultClient.
func HTTPClient(endpoint string) *http.Client {
	if strings.TrimSpace(endpoint) == "" {
		return http.DefaultClient
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return http.DefaultClient
	}
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultClient
	}
	transport := baseTransport.Clone()
	transport.Proxy = http.ProxyURL(parsed)
	return &http.Client{Transport: transport}
}
