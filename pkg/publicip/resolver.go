// Package publicip finds the public IPv4 address the process egresses from.
package publicip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

const (
	// DefaultURL answers with the caller's address as plain text.
	DefaultURL = "https://checkip.amazonaws.com"
	// DefaultDNSServer is resolver1.opendns.com.
	DefaultDNSServer = "208.67.222.222:53"
	// DefaultDNSName resolves to the querying address on OpenDNS resolvers.
	DefaultDNSName = "myip.opendns.com"

	// SourceHTTP selects the HTTP lookup.
	SourceHTTP = "http"
	// SourceDNS selects the DNS lookup.
	SourceDNS = "dns"

	maxBodyBytes = 64
)

// Resolver returns the current public IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Options configures the resolver built by New.
type Options struct {
	Source    string
	URL       string
	DNSServer string
	DNSName   string
	Timeout   time.Duration
}

// New returns the resolver selected by opts.Source, defaulting to HTTP.
func New(opts Options, logger zerolog.Logger) Resolver {
	log := logger.With().Str(common.LogStrLayer, "publicip").Str("source", opts.Source).Logger()

	if opts.Source == SourceDNS {
		return &DNSResolver{
			Server: opts.DNSServer,
			Name:   opts.DNSName,
			Client: &dns.Client{Net: "udp", Timeout: opts.Timeout},
			logger: log,
		}
	}

	return &HTTPResolver{
		URL:    opts.URL,
		Client: &http.Client{Timeout: opts.Timeout},
		logger: log,
	}
}

// HTTPResolver asks a "what is my IP" endpoint.
type HTTPResolver struct {
	URL    string
	Client *http.Client
	logger zerolog.Logger
}

// Resolve performs a single GET and validates the body as an IPv4 address.
func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	url := r.URL
	if url == "" {
		url = DefaultURL
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %w", common.ErrNetwork, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %s", common.ErrNetwork, url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", common.ErrNetwork, err)
	}
	if len(body) > maxBodyBytes {
		return "", fmt.Errorf("%w: %s returned more than %d bytes", common.ErrNetwork, url, maxBodyBytes)
	}

	ip, err := common.ValidateIPv4(string(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrNetwork, err)
	}

	r.logger.Debug().Str("ip", ip).Msg("public ip resolved")
	return ip, nil
}

// DNSResolver queries an A record that the resolver answers with the caller's address.
type DNSResolver struct {
	Server string
	Name   string
	Client *dns.Client
	logger zerolog.Logger
}

// Resolve sends one A query and returns the first A answer.
func (r *DNSResolver) Resolve(ctx context.Context) (string, error) {
	server, name := r.Server, r.Name
	if server == "" {
		server = DefaultDNSServer
	}
	if name == "" {
		name = DefaultDNSName
	}
	client := r.Client
	if client == nil {
		client = new(dns.Client)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("%w: query %s: %w", common.ErrNetwork, server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s answered %s", common.ErrNetwork, server, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ip, err := common.ValidateIPv4(a.A.String())
			if err != nil {
				return "", fmt.Errorf("%w: %w", common.ErrNetwork, err)
			}
			r.logger.Debug().Str("ip", ip).Msg("public ip resolved")
			return ip, nil
		}
	}

	return "", fmt.Errorf("%w: %s returned no A record for %s", common.ErrNetwork, server, name)
}
