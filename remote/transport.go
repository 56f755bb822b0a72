package remote

import (
	"net"
	"net/http"
	"time"
)

const (
	httpDialTimeout           = 30 * time.Second
	httpDialKeepAlive         = 30 * time.Second
	httpMaxIdleConns          = 20
	httpIdleConnTimeout       = 90 * time.Second
	httpTLSHandshakeTimeout   = 10 * time.Second
	httpExpectContinueTimeout = 1 * time.Second

	// httpMaxConnsPerHost keeps parallel sockets to the storage API low; a
	// single device rarely has more than a couple of requests in flight.
	httpMaxConnsPerHost = 4
)

// NewHTTPClient builds the shared HTTP client. Per-attempt deadlines come
// from the request context, so the client itself has no overall timeout.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   httpDialTimeout,
			KeepAlive: httpDialKeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          httpMaxIdleConns,
		IdleConnTimeout:       httpIdleConnTimeout,
		TLSHandshakeTimeout:   httpTLSHandshakeTimeout,
		ExpectContinueTimeout: httpExpectContinueTimeout,
		MaxConnsPerHost:       httpMaxConnsPerHost,
		MaxIdleConnsPerHost:   httpMaxConnsPerHost,
	}

	return &http.Client{Transport: transport}
}
