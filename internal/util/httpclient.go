package util

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client shared by all regions. Per-request deadlines
// come from the caller's context, so the client timeout is only a ceiling.
func NewHTTPClient(ceiling time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		DisableCompression:  true, // bodies are decoded by the fetcher (br, gzip)
	}
	return &http.Client{Timeout: ceiling, Transport: tr}
}

// Backoff returns the delay before retry number attempt (1-based), doubling
// from initial and capped at max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 || initial <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < attempt; i++ {
		if d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
