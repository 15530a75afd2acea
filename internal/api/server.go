package api

import (
	"net/http"
	"time"
)

// NewServer wraps handler in an http.Server. Only header reads are bounded:
// sockets manage their own deadlines after the upgrade.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
