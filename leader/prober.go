package leader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/tee-cluster-node/interfaces"
)

// DefaultProbeTimeout bounds a single leader health probe.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks whether a peer is reachable.
type Prober interface {
	Probe(ctx context.Context, addr interfaces.Address) error
}

// HTTPProber issues GET <base>/health and requires a 2xx response.
type HTTPProber struct {
	directory PeerDirectory
	client    *http.Client
	timeout   time.Duration
}

func NewHTTPProber(directory PeerDirectory, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		directory: directory,
		client:    &http.Client{},
		timeout:   timeout,
	}
}

// Probe returns ErrUnknownPeer or ErrPeerLookup (wrapped) if the peer cannot
// be located, and any other error if the peer is unreachable or unhealthy.
func (p *HTTPProber) Probe(ctx context.Context, addr interfaces.Address) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	baseURL, err := p.directory.Lookup(ctx, addr)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("leader health returned status %d", resp.StatusCode)
	}
	return nil
}
