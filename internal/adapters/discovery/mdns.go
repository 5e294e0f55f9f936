package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/hashicorp/mdns"
)

const runIDPrefix = "run_id="

// MDNS advertises the server on the local network. The instance name is the
// run id, so several pipelines can share a segment.
type MDNS struct {
	service string
	runID   string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	server *mdns.Server
}

var _ ports.Locator = (*MDNS)(nil)

func NewMDNS(cfg domain.DiscoveryConfig, runID string, logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = slog.Default()
	}
	service := cfg.Service
	if service == "" {
		service = "_stagecoach._tcp"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MDNS{
		service: service,
		runID:   runID,
		timeout: timeout,
		logger:  logger.With("component", "discovery", "module", "mdns"),
	}
}

func (m *MDNS) Publish(ctx context.Context, uri string) error {
	host, portStr, err := net.SplitHostPort(uri)
	if err != nil {
		return domain.NewValidationError("uri", fmt.Sprintf("invalid server address %q", uri))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return domain.NewValidationError("uri", fmt.Sprintf("invalid port in %q", uri))
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = []net.IP{ip}
	} else {
		ips = localIPs()
	}
	if len(ips) == 0 {
		ips = []net.IP{net.IPv4(127, 0, 0, 1)}
	}

	instance := m.runID
	if instance == "" {
		instance = "stagecoach"
	}
	service, err := mdns.NewMDNSService(instance, m.service, "", "", port, ips, []string{runIDPrefix + m.runID})
	if err != nil {
		return domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create mDNS service",
			Details: map[string]interface{}{"service": m.service, "port": port, "error": err.Error()},
		}
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create mDNS server",
			Details: map[string]interface{}{"service": m.service, "error": err.Error()},
		}
	}

	m.mu.Lock()
	old := m.server
	m.server = server
	m.mu.Unlock()
	if old != nil {
		_ = old.Shutdown()
	}

	m.logger.Info("mDNS advertisement started", "service", m.service, "instance", instance, "port", port, "ip", ips[0].String())
	return nil
}

// Resolve queries the network and returns the first server advertising this
// run id, or any server when the run id is empty.
func (m *MDNS) Resolve(ctx context.Context) (string, error) {
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	entriesCh := make(chan *mdns.ServiceEntry, 16)
	found := make(chan string, 1)
	go func() {
		defer close(found)
		for entry := range entriesCh {
			if !m.matches(entry) {
				continue
			}
			addr := entry.AddrV4
			if addr == nil {
				addr = entry.AddrV6
			}
			if addr == nil {
				continue
			}
			select {
			case found <- net.JoinHostPort(addr.String(), strconv.Itoa(entry.Port)):
			default:
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:             m.service,
		Domain:              "local",
		Timeout:             timeout,
		Entries:             entriesCh,
		WantUnicastResponse: true,
	})
	close(entriesCh)

	uri, ok := <-found
	if ok && uri != "" {
		m.logger.Debug("resolved server over mDNS", "uri", uri)
		return uri, nil
	}
	if err != nil && !isNetworkUnavailable(err) {
		return "", fmt.Errorf("%w: mDNS query failed: %v", domain.ErrServerUnreachable, err)
	}
	return "", fmt.Errorf("%w: no %s service found", domain.ErrServerUnreachable, m.service)
}

func (m *MDNS) matches(entry *mdns.ServiceEntry) bool {
	if m.runID == "" {
		return true
	}
	for _, field := range entry.InfoFields {
		if strings.TrimPrefix(field, runIDPrefix) == m.runID && strings.HasPrefix(field, runIDPrefix) {
			return true
		}
	}
	return false
}

func (m *MDNS) Close() error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()
	if server == nil {
		return nil
	}
	m.logger.Info("mDNS advertisement stopped")
	return server.Shutdown()
}

func isNetworkUnavailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "address not available")
}
