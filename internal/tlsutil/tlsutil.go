package tlsutil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ServerConfig loads a certificate pair for the API listener. Both paths
// empty means plain HTTP and returns (nil, nil).
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tls cert file and key file must be set together")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	cfg := DefaultTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// ClientConfig returns the hardened config with ServerName taken from addr
// (host:port or bare host). Used for Redis connections.
func ClientConfig(addr string) *tls.Config {
	cfg := DefaultTLSConfig()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg.ServerName = host
	return cfg
}

// SecureTransport returns an http.Transport with TLS hardening.
func SecureTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SecureHTTPClient returns an http.Client with TLS hardening.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(),
	}
}
