package leader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// DefaultDNSServer is the local stub resolver.
const DefaultDNSServer = "127.0.0.53:53"

var (
	// ErrUnknownPeer is returned when no health endpoint is known for an address.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrPeerLookup is returned when the directory itself could not be queried.
	ErrPeerLookup = errors.New("peer lookup failed")
	// ErrNoPeerDirectory is returned when neither static peers nor an SRV domain are configured.
	ErrNoPeerDirectory = errors.New("no peer directory configured")
)

// PeerDirectory maps ledger addresses to peer base URLs.
type PeerDirectory interface {
	Lookup(ctx context.Context, addr interfaces.Address) (string, error)
}

// StaticDirectory is a fixed address to base URL map.
type StaticDirectory map[interfaces.Address]string

// ParseStaticPeers parses "address=url" entries.
func ParseStaticPeers(entries []string) (StaticDirectory, error) {
	dir := make(StaticDirectory, len(entries))
	for _, entry := range entries {
		addrHex, url, found := strings.Cut(entry, "=")
		if !found || url == "" {
			return nil, fmt.Errorf("invalid peer %q, expected address=url", entry)
		}
		addr, err := interfaces.NewAddressFromHex(addrHex)
		if err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", entry, err)
		}
		dir[addr] = strings.TrimSuffix(url, "/")
	}
	return dir, nil
}

func (d StaticDirectory) Lookup(ctx context.Context, addr interfaces.Address) (string, error) {
	url, ok := d[addr]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return url, nil
}

// SRVDirectory resolves peers through SRV records named
// <lowercase hex address without 0x>.<domain>.
type SRVDirectory struct {
	Domain string
	Server string
	Scheme string

	client *dns.Client
}

// NewSRVDirectory creates a directory querying server (DefaultDNSServer if empty).
func NewSRVDirectory(domain, server string) *SRVDirectory {
	if server == "" {
		server = DefaultDNSServer
	}
	return &SRVDirectory{
		Domain: strings.TrimSuffix(domain, "."),
		Server: server,
		Scheme: "http",
		client: &dns.Client{Timeout: 2 * time.Second},
	}
}

func (d *SRVDirectory) Lookup(ctx context.Context, addr interfaces.Address) (string, error) {
	name := dns.Fqdn(strings.TrimPrefix(addr.String(), "0x") + "." + d.Domain)

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := d.client.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return "", fmt.Errorf("%w: srv lookup %s: %w", ErrPeerLookup, name, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return "", fmt.Errorf("%w: srv lookup %s: %s", ErrPeerLookup, name, dns.RcodeToString[in.Rcode])
	}

	var best *dns.SRV
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		if best == nil || srv.Priority < best.Priority || (srv.Priority == best.Priority && srv.Weight > best.Weight) {
			best = srv
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no srv record for %s", ErrUnknownPeer, name)
	}

	host := strings.TrimSuffix(best.Target, ".")
	return d.Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(int(best.Port))), nil
}

// NewPeerDirectory chains the static peers and, if srvDomain is set, an SRV
// directory. At least one source must be configured.
func NewPeerDirectory(static StaticDirectory, srvDomain, dnsServer string) (Directories, error) {
	var dirs Directories
	if len(static) > 0 {
		dirs = append(dirs, static)
	}
	if srvDomain != "" {
		dirs = append(dirs, NewSRVDirectory(srvDomain, dnsServer))
	}
	if len(dirs) == 0 {
		return nil, ErrNoPeerDirectory
	}
	return dirs, nil
}

// Directories consults each directory in order and returns the first match.
type Directories []PeerDirectory

func (ds Directories) Lookup(ctx context.Context, addr interfaces.Address) (string, error) {
	errs := make([]error, 0, len(ds))
	for _, d := range ds {
		url, err := d.Lookup(ctx, addr)
		if err == nil {
			return url, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return "", errors.Join(errs...)
}
