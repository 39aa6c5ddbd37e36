package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type SeggetHTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewSeggetHTTPClient(cfg HTTPClientConfig) *SeggetHTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	// Timeout bounds the wait for response headers; segment bodies may stream for longer.
	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
		MaxConnsPerHost:       0,
	}
	if cfg.HighThreadMode {
		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					setSocketOptions(fd)
				})
			},
		}).DialContext
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			log.Error().Str("op", "utils/http-client").Err(err).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	var roundTripper http.RoundTripper = transport
	if cfg.BearerToken != "" {
		roundTripper = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}),
			Base:   transport,
		}
	}
	return &SeggetHTTPClient{
		client: &http.Client{
			Transport: roundTripper,
		},
		config: cfg,
	}
}

func (d *SeggetHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range d.config.Headers {
		req.Header.Set(k, v)
	}
	return d.client.Do(req)
}
