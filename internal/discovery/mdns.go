// Package discovery advertises running relays over mDNS and finds them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"collabtext/internal/logging"
)

const domain = "local."

// Relay is one relay found on the local network.
type Relay struct {
	Instance string
	Addr     string // host:port
	Document string
}

// Advertisement is a registered mDNS service; Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers a relay listening on port under service. The document
// name, if any, is published in the TXT record.
func Advertise(service string, port int, document string, logger *zap.Logger) (*Advertisement, error) {
	logger = logging.OrNop(logger)
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s-%d", "CollabText", host, port)

	txt := []string{"txtv=0"}
	if document != "" {
		txt = append(txt, "doc="+document)
	}
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", service, err)
	}
	logger.Info("mDNS service registered", zap.String("service", service), zap.Int("port", port))
	return &Advertisement{server: server}, nil
}

// Browse collects relays announcing service until ctx is done.
func Browse(ctx context.Context, service string, logger *zap.Logger) ([]Relay, error) {
	logger = logging.OrNop(logger)
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	var (
		mu     sync.Mutex
		relays []Relay
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if r, ok := fromEntry(entry); ok {
				logger.Debug("mDNS discovered relay", zap.String("instance", r.Instance), zap.String("addr", r.Addr))
				mu.Lock()
				relays = append(relays, r)
				mu.Unlock()
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", service, err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return append([]Relay(nil), relays...), nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Relay, bool) {
	if e == nil || e.Port <= 0 {
		return Relay{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Relay{}, false
	}
	r := Relay{
		Instance: e.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "doc="); ok {
			r.Document = v
		}
	}
	return r, true
}
