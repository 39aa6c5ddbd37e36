package utils

import "time"

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	BearerToken    string
	HighThreadMode bool // advanced socket options for high concurrency
}

type DownloadEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	URL        string `yaml:"link"`
	Type       string `yaml:"-"`
}
