package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/tunnelclient/internal/obs"
)

// createClientTLSConfig builds the TLS settings for the gateway: extra
// trusted CAs and an optional client certificate. nil means defaults.
func createClientTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("--cert and --key must be given together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		obs.Info("tls.client_cert", obs.Fields{"cert_file": cfg.CertFile})
	}
	return tlsConfig, nil
}

// buildTransport returns the HTTP client used for identity requests and the
// dialer used for tunnel WebSockets. Both share proxy and TLS settings.
func buildTransport(cfg *Config) (*http.Client, *websocket.Dialer, error) {
	tlsConfig, err := createClientTLSConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	var proxy func(*http.Request) (*url.URL, error)
	if p := cfg.proxyURL(); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid proxy %q: %w", p, err)
		}
		proxy = http.ProxyURL(u)
		obs.Info("transport.proxy", obs.Fields{"proxy": u.Redacted()})
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = proxy
	tr.TLSClientConfig = tlsConfig
	client := &http.Client{Transport: tr, Timeout: cfg.CheckTimeout}
	dialer := &websocket.Dialer{
		Proxy:            proxy,
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 45 * time.Second,
	}
	return client, dialer, nil
}
