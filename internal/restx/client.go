package restx

import (
	"net"
	"net/http"
	"time"

	"github.com/jacaudi/wunderground_like/internal/config"
)

// createOptimizedHTTPClient returns the client shared by upload workers.
// The client has no overall timeout: each request carries the deadline of its
// worker's timeout option.
func createOptimizedHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.HTTPMaxIdleConns,
		MaxIdleConnsPerHost:   config.HTTPMaxConnsPerHost,
		MaxConnsPerHost:       config.HTTPMaxConnsPerHost,
		IdleConnTimeout:       time.Duration(config.HTTPIdleConnTimeout) * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 0,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
	}
}

var sharedClient = createOptimizedHTTPClient()
