package leader

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStaticPeers(t *testing.T) {
	dir, err := ParseStaticPeers([]string{
		"0x0200000000000000000000000000000000000000=http://10.0.0.2:8080/",
		"0300000000000000000000000000000000000000=http://10.0.0.3:8080",
	})
	require.NoError(t, err)

	url, err := dir.Lookup(context.Background(), interfaces.Address{0x02})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080", url)

	url, err = dir.Lookup(context.Background(), interfaces.Address{0x03})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.3:8080", url)

	_, err = dir.Lookup(context.Background(), interfaces.Address{0x04})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = ParseStaticPeers([]string{"http://10.0.0.2:8080"})
	assert.Error(t, err)

	_, err = ParseStaticPeers([]string{"0x12=http://10.0.0.2:8080"})
	assert.Error(t, err)
}

// startDNSServer serves SRV records from records on a local UDP port.
func startDNSServer(t *testing.T, records map[string][]dns.RR) string {
	return startDNSHandler(t, func(w dns.ResponseWriter, r *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(r)
		resp.Answer = records[r.Question[0].Name]
		_ = w.WriteMsg(resp)
	})
}

func startDNSHandler(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler:           handler,
	}

	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func srvRecord(name string, priority, weight, port uint16, target string) dns.RR {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

func TestSRVDirectory_Lookup(t *testing.T) {
	addr := interfaces.Address{0xab}
	name := "ab00000000000000000000000000000000000000.cluster.example."

	server := startDNSServer(t, map[string][]dns.RR{
		name: {
			srvRecord(name, 20, 0, 9000, "backup.cluster.example."),
			srvRecord(name, 10, 5, 8080, "node-ab.cluster.example."),
		},
	})

	dir := NewSRVDirectory("cluster.example", server)
	url, err := dir.Lookup(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "http://node-ab.cluster.example:8080", url)

	_, err = dir.Lookup(context.Background(), interfaces.Address{0xcd})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSRVDirectory_LookupFailures(t *testing.T) {
	addr := interfaces.Address{0xab}

	t.Run("unreachable server", func(t *testing.T) {
		dir := NewSRVDirectory("peers.example", "127.0.0.1:1")
		_, err := dir.Lookup(context.Background(), addr)
		assert.ErrorIs(t, err, ErrPeerLookup)
		assert.NotErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("server failure", func(t *testing.T) {
		server := startDNSHandler(t, func(w dns.ResponseWriter, r *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetRcode(r, dns.RcodeServerFailure)
			_ = w.WriteMsg(resp)
		})
		_, err := NewSRVDirectory("peers.example", server).Lookup(context.Background(), addr)
		assert.ErrorIs(t, err, ErrPeerLookup)
		assert.NotErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("no such name", func(t *testing.T) {
		server := startDNSHandler(t, func(w dns.ResponseWriter, r *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetRcode(r, dns.RcodeNameError)
			_ = w.WriteMsg(resp)
		})
		_, err := NewSRVDirectory("peers.example", server).Lookup(context.Background(), addr)
		assert.ErrorIs(t, err, ErrUnknownPeer)
		assert.NotErrorIs(t, err, ErrPeerLookup)
	})
}

func TestNewPeerDirectory(t *testing.T) {
	_, err := NewPeerDirectory(StaticDirectory{}, "", "")
	assert.ErrorIs(t, err, ErrNoPeerDirectory)

	static := StaticDirectory{interfaces.Address{0x01}: "http://static:8080"}
	dirs, err := NewPeerDirectory(static, "", "")
	require.NoError(t, err)
	assert.Len(t, dirs, 1)

	dirs, err = NewPeerDirectory(nil, "peers.example", "10.0.0.53:53")
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	srv, ok := dirs[0].(*SRVDirectory)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.53:53", srv.Server)

	dirs, err = NewPeerDirectory(static, "peers.example", "")
	require.NoError(t, err)
	assert.Len(t, dirs, 2)
}

func TestDirectories_Lookup(t *testing.T) {
	addr := interfaces.Address{0xab}
	name := "ab00000000000000000000000000000000000000.cluster.example."
	server := startDNSServer(t, map[string][]dns.RR{
		name: {srvRecord(name, 10, 0, 8080, "10.0.0.9.")},
	})

	dirs := Directories{
		StaticDirectory{interfaces.Address{0x01}: "http://static:8080"},
		NewSRVDirectory("cluster.example", server),
	}

	url, err := dirs.Lookup(context.Background(), interfaces.Address{0x01})
	require.NoError(t, err)
	assert.Equal(t, "http://static:8080", url)

	url, err = dirs.Lookup(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.9:8080", url)

	_, err = dirs.Lookup(context.Background(), interfaces.Address{0x02})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	_, err = Directories{}.Lookup(context.Background(), addr)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	// A failing resolver stays visible behind a static miss.
	_, err = Directories{StaticDirectory{}, NewSRVDirectory("peers.example", "127.0.0.1:1")}.Lookup(context.Background(), addr)
	assert.ErrorIs(t, err, ErrPeerLookup)
}

func TestHTTPProber_Probe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	noContent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer noContent.Close()
	notModified := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer notModified.Close()

	prober := NewHTTPProber(StaticDirectory{
		interfaces.Address{0x01}: healthy.URL,
		interfaces.Address{0x02}: "http://127.0.0.1:1",
		interfaces.Address{0x04}: noContent.URL,
		interfaces.Address{0x05}: notModified.URL,
	}, 500*time.Millisecond)

	assert.NoError(t, prober.Probe(context.Background(), interfaces.Address{0x01}))
	assert.NoError(t, prober.Probe(context.Background(), interfaces.Address{0x04}))
	assert.Error(t, prober.Probe(context.Background(), interfaces.Address{0x05}))
	assert.Error(t, prober.Probe(context.Background(), interfaces.Address{0x02}))
	assert.ErrorIs(t, prober.Probe(context.Background(), interfaces.Address{0x03}), ErrUnknownPeer)
}
