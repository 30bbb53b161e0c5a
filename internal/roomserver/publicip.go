package roomserver

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/saintparish4/rendezvous/pkg/netutil"
)

const (
	DefaultIPifyURL   = "https://api.ipify.org"
	publicIPTimeout   = 2500 * time.Millisecond
	publicIPCacheTime = 5 * time.Minute
)

// PublicIPResolver finds the server's own public address, used when a
// requester arrives from a private network. "" means unknown.
type PublicIPResolver interface {
	PublicIP(ctx context.Context) string
}

// IPify asks a what-is-my-ip service and caches a good answer
type IPify struct {
	URL    string
	Client *http.Client

	mu     sync.Mutex
	cached string
	at     time.Time
	now    func() time.Time
}

func NewIPify() *IPify {
	return &IPify{
		URL:    DefaultIPifyURL,
		Client: &http.Client{Timeout: publicIPTimeout},
		now:    time.Now,
	}
}

func (p *IPify) PublicIP(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached != "" && now.Sub(p.at) < publicIPCacheTime {
		return p.cached
	}

	ctx, cancel := context.WithTimeout(ctx, publicIPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "rendezvous-room-server/1.0")
	resp, err := p.Client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return ""
	}
	ip, ok := netutil.ParseIP(strings.TrimSpace(string(body)))
	if !ok {
		return ""
	}
	p.cached = ip.String()
	p.at = now
	return p.cached
}
