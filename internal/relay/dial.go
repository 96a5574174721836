package relay

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Dialer dials target hosts for both the HTTP handler's forwarding
// transport and the CONNECT handler's direct-splice mode. It wraps a
// dnscache.Resolver with a background refresh loop. A relay dials
// arbitrary, often-repeated hosts, and caching resolution avoids a DNS
// round trip on every hop of every request.
type Dialer struct {
	resolver *dnscache.Resolver
	dialer   net.Dialer
	stop     chan struct{}
}

// NewDialer starts a Dialer whose cache refreshes every refreshInterval.
// Call Close to stop the refresh goroutine.
func NewDialer(refreshInterval time.Duration) *Dialer {
	d := &Dialer{
		resolver: &dnscache.Resolver{},
		dialer:   net.Dialer{Timeout: 10 * time.Second},
		stop:     make(chan struct{}),
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	go d.refreshLoop(refreshInterval)
	return d
}

func (d *Dialer) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.resolver.Refresh(true)
		}
	}
}

// Close stops the background refresh loop.
func (d *Dialer) Close() {
	close(d.stop)
}

// DialContext resolves address's host through the cache and dials the
// first reachable resolved IP, preserving the original port.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &net.AddrError{Err: "no addresses resolved", Addr: host}
	}
	return nil, lastErr
}

// Transport builds an *http.Transport whose dials go through this Dialer,
// used by the HTTP Handler to reach targets.
func (d *Dialer) Transport() *http.Transport {
	return &http.Transport{
		DialContext:           d.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
