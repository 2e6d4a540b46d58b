// Package proxy — upstream.go
//
// The shared transport to the LLM providers and the header plumbing around
// it. Upstream (corporate) proxy chaining is automatic: ProxyFromEnvironment
// reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY, so chaining needs no code here.
package proxy

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// upstreamHeaderTimeout bounds how long we wait for the provider to start
// responding. Streaming bodies are deliberately not deadline-killed: a
// whole-call timeout would sever long SSE generations. Client-context
// cancellation governs the body.
const upstreamHeaderTimeout = 60 * time.Second

// newTransport builds the process-wide upstream transport.
func newTransport() *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: upstreamHeaderTimeout,
	}
	// Best effort: the providers all speak h2 and the stdlib transport only
	// upgrades when asked.
	if err := http2.ConfigureTransport(t); err != nil {
		t.ForceAttemptHTTP2 = true
	}
	return t
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// sessionHeaders are ours; they never travel upstream.
var sessionHeaders = []string{
	"X-Anonamoose-Session", "X-Anonamoose-Redact", "X-Anonamoose-Hydrate",
}

// upstreamHeader clones the client's headers for the upstream request,
// dropping hop-by-hop and proxy-control headers. Accept-Encoding is dropped
// too so the stdlib transport negotiates gzip itself and hands back a
// transparently decoded body the hydrator can rewrite.
func upstreamHeader(src http.Header) http.Header {
	h := src.Clone()
	removeHopByHop(h)
	for _, k := range sessionHeaders {
		h.Del(k)
	}
	h.Del("Accept-Encoding")
	h.Del("Host")
	return h
}
