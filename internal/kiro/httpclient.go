package kiro

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// RefreshTimeout bounds the whole refresh or usage-limits HTTP exchange.
const RefreshTimeout = 60 * time.Second

// ProxyDirect on a credential's proxyUrl disables proxying for that
// credential even when a global proxy is configured.
const ProxyDirect = "direct"

// ProxyConfig carries an outbound HTTP proxy with optional basic auth.
type ProxyConfig struct {
	URL      string
	Username string
	Password string
}

// ProxyFor resolves the proxy for a credential: credential-level proxy
// wins over the global one, and "direct" means no proxy at all.
func ProxyFor(creds Credentials, global *ProxyConfig) *ProxyConfig {
	if creds.ProxyURL == ProxyDirect {
		return nil
	}
	if creds.ProxyURL != "" {
		return &ProxyConfig{
			URL:      creds.ProxyURL,
			Username: creds.ProxyUsername,
			Password: creds.ProxyPassword,
		}
	}
	return global
}

// NewHTTPClient builds a client for one upstream exchange. Clients are
// constructed per call; connection reuse is not a goal here and the
// upstream refresh endpoint asks for Connection: close anyway.
func NewHTTPClient(proxy *ProxyConfig, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}

	if proxy != nil && proxy.URL != "" {
		proxyURL, err := url.Parse(proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxy.URL, err)
		}
		if proxy.Username != "" {
			proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// decodeBody returns a reader that undoes the response's
// Content-Encoding. The refresh and usage requests set Accept-Encoding
// by hand, which turns off net/http's transparent gzip handling, so
// decoding is on us.
func decodeBody(resp *http.Response) (io.Reader, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode gzip response: %w", err)
		}
		return reader, nil
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or
		// raw; sniff the zlib header.
		buffered := bufio.NewReader(resp.Body)
		head, err := buffered.Peek(1)
		if err == nil && head[0]&0x0f == 8 {
			reader, zErr := zlib.NewReader(buffered)
			if zErr != nil {
				return nil, fmt.Errorf("failed to decode deflate response: %w", zErr)
			}
			return reader, nil
		}
		return flate.NewReader(buffered), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
