package filter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"cdr.dev/slog/v3"
)

// Rules is the on-disk filter configuration.
//
//	enabled: true
//	whitelist: ["*.corp.example"]
//	connection:
//	  blocked_hosts: ["ads.example", "*.tracker.example"]
//	  tunnel_ports: [443, 8443]
//	response:
//	  blocked_content_types: ["application/x-msdownload"]
//	  body_keywords: ["secret"]
type Rules struct {
	Enabled    bool            `yaml:"enabled"`
	Whitelist  []string        `yaml:"whitelist"`
	Connection ConnectionRules `yaml:"connection"`
	Response   ResponseRules   `yaml:"response"`
}

type ConnectionRules struct {
	BlockedHosts []string `yaml:"blocked_hosts"`
	TunnelPorts  []int    `yaml:"tunnel_ports"`
}

type ResponseRules struct {
	BlockedContentTypes []string `yaml:"blocked_content_types"`
	BodyKeywords        []string `yaml:"body_keywords"`
}

// DefaultRules only restricts tunnels to the HTTPS port, and is disabled.
func DefaultRules() Rules {
	return Rules{
		Connection: ConnectionRules{TunnelPorts: []int{443}},
	}
}

// LoadRules reads a YAML rules file. Fields left out keep their defaults.
func LoadRules(fs afero.Fs, path string) (Rules, error) {
	rules := DefaultRules()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Rules{}, xerrors.Errorf("read filter rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, xerrors.Errorf("parse filter rules %s: %w", path, err)
	}
	for _, p := range rules.Connection.TunnelPorts {
		if p <= 0 || p > 65535 {
			return Rules{}, xerrors.Errorf("filter rules %s: invalid tunnel port %d", path, p)
		}
	}
	return rules, nil
}

// ProxyFilter builds the filter set the rules describe.
func (r Rules) ProxyFilter(logger slog.Logger, verdicts *prometheus.CounterVec) *ProxyFilter {
	opts := Options{
		Enabled:   r.Enabled,
		Whitelist: r.Whitelist,
		Verdicts:  verdicts,
		Logger:    logger,
	}
	if len(r.Connection.BlockedHosts) > 0 {
		opts.ConnectionFilters = append(opts.ConnectionFilters, &HostFilter{Blocked: r.Connection.BlockedHosts})
	}
	if len(r.Connection.TunnelPorts) > 0 {
		opts.ConnectionFilters = append(opts.ConnectionFilters, &TunnelPortFilter{Ports: r.Connection.TunnelPorts})
	}
	if len(r.Response.BlockedContentTypes) > 0 {
		opts.ResponseFilters = append(opts.ResponseFilters, &ContentTypeFilter{Blocked: r.Response.BlockedContentTypes})
	}
	if len(r.Response.BodyKeywords) > 0 {
		opts.ResponseFilters = append(opts.ResponseFilters, &KeywordFilter{Keywords: r.Response.BodyKeywords})
	}
	return New(opts)
}
