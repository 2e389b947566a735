// Package discovery locates the OTA server via mDNS, falling back to a
// statically configured address, and performs a cheap connectivity
// pre-check before handing the result back to the caller.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/jaganathg/ota-updater/internal/errkind"
)

// Source identifies how a ServerInfo was obtained.
type Source string

const (
	SourceMDNS     Source = "mdns"
	SourceFallback Source = "fallback"
)

// ServerInfo is the resolved OTA server address for one update cycle.
type ServerInfo struct {
	Host   string
	Port   int
	Source Source
}

// BaseURL returns the http://host:port base this server is reached at.
func (s ServerInfo) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// queryTimeout bounds how long an mDNS lookup may take, per the spec. It is
// a var rather than a const so tests can shrink it instead of waiting out
// the real 5 second bound.
var queryTimeout = 5 * time.Second

// Discover resolves an OTA server by mDNS, falling back to fallbackAddr if
// no responder answers within the bound. It returns a Discovery error
// tagged errkind.Discovery when neither path yields a server, or an
// errkind.Cancelled error if ctx was cancelled before either path could
// complete — the two must stay distinct so a shutdown mid-discovery is
// never mistaken for (and recorded as) a genuine NoServer failure.
func Discover(ctx context.Context, service, fallbackAddr string) (ServerInfo, error) {
	if info, ok := queryMDNS(ctx, service); ok {
		if healthCheck(ctx, info) {
			return info, nil
		}
		slog.Warn("mdns responder failed health check, falling back", "host", info.Host, "port", info.Port)
	}

	if ctx.Err() != nil {
		return ServerInfo{}, errkind.New(errkind.Cancelled, "discovery.Discover", ctx.Err())
	}

	if strings.TrimSpace(fallbackAddr) != "" {
		info, err := parseFallback(fallbackAddr)
		if err != nil {
			return ServerInfo{}, errkind.New(errkind.Discovery, "discovery.Discover", err)
		}
		return info, nil
	}

	return ServerInfo{}, errkind.NewTransient(errkind.Discovery, "discovery.Discover", fmt.Errorf("no server: mdns found nothing and no fallback_server is configured"))
}

// queryMDNS queries service and returns the first responder, first-wins
// with no ranking between multiple responses, matching the spec.
func queryMDNS(ctx context.Context, service string) (ServerInfo, bool) {
	entries := make(chan *mdns.ServiceEntry, 4)
	done := make(chan error, 1)

	go func() {
		done <- mdns.Query(&mdns.QueryParam{
			Service: service,
			Timeout: queryTimeout,
			Entries: entries,
		})
	}()

	deadline := time.NewTimer(queryTimeout)
	defer deadline.Stop()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return ServerInfo{}, false
			}
			if info, ok := serviceEntryToServerInfo(e); ok {
				return info, true
			}
		case <-done:
			select {
			case e, ok := <-entries:
				if ok {
					if info, ok := serviceEntryToServerInfo(e); ok {
						return info, true
					}
				}
			default:
			}
			return ServerInfo{}, false
		case <-deadline.C:
			return ServerInfo{}, false
		case <-ctx.Done():
			return ServerInfo{}, false
		}
	}
}

func serviceEntryToServerInfo(e *mdns.ServiceEntry) (ServerInfo, bool) {
	if e == nil || e.Port == 0 {
		return ServerInfo{}, false
	}
	host := ""
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	case e.Addr != nil:
		host = e.Addr.String()
	default:
		return ServerInfo{}, false
	}
	return ServerInfo{Host: host, Port: e.Port, Source: SourceMDNS}, true
}

// parseFallback splits a "host:port" fallback address into a ServerInfo.
func parseFallback(addr string) (ServerInfo, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return ServerInfo{}, fmt.Errorf("parse fallback_server %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("parse fallback_server port %q: %w", addr, err)
	}
	return ServerInfo{Host: host, Port: port, Source: SourceFallback}, nil
}

// healthCheckTimeout bounds the optional connectivity pre-check below.
const healthCheckTimeout = 3 * time.Second

// healthCheckClient builds a client in the same no-keepalive idiom the
// fetcher package uses for its probe/download clients: a stalled health
// check shouldn't leave a connection around for the next discovery attempt
// to inherit.
func healthCheckClient() *http.Client {
	return &http.Client{
		Timeout: healthCheckTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DisableKeepAlives:   true,
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
		},
	}
}

// healthCheck performs an optional GET <base>/health pre-check, supplemented
// from the original implementation's connectivity test. A non-2xx response
// or transport error is treated as "not usable" rather than fatal: the
// caller falls through to the configured fallback server.
func healthCheck(ctx context.Context, info ServerInfo) bool {
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, info.BaseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := healthCheckClient().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
