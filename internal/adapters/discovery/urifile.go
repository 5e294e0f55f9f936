// Package discovery publishes the pipeline server's address so executors and
// status clients can find it: through a uri file on a shared filesystem,
// through mDNS on the local network, or both.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// URIFile stores the server address as a single line in a file.
type URIFile struct {
	path      string
	logger    *slog.Logger
	published atomic.Bool
}

var _ ports.Locator = (*URIFile)(nil)

func NewURIFile(path string, logger *slog.Logger) *URIFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &URIFile{path: path, logger: logger.With("component", "discovery", "module", "urifile")}
}

func (u *URIFile) Path() string {
	return u.path
}

// Publish writes uri atomically so a reader never sees a partial address.
func (u *URIFile) Publish(ctx context.Context, uri string) error {
	if err := validateURI(uri); err != nil {
		return err
	}
	if dir := filepath.Dir(u.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create uri file directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(u.path), ".uri-*")
	if err != nil {
		return fmt.Errorf("create uri file: %w", err)
	}
	if _, err := tmp.WriteString(uri + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write uri file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), u.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish uri file: %w", err)
	}

	u.published.Store(true)
	u.logger.Info("server address published", "path", u.path, "uri", uri)
	return nil
}

func (u *URIFile) Resolve(ctx context.Context) (string, error) {
	data, err := os.ReadFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: uri file %s does not exist", domain.ErrServerUnreachable, u.path)
		}
		return "", fmt.Errorf("read uri file: %w", err)
	}
	uri := strings.TrimSpace(string(data))
	if err := validateURI(uri); err != nil {
		return "", err
	}
	return uri, nil
}

// Close removes the file if this instance published it, so stale addresses
// are not picked up after the server exits. Readers leave it alone.
func (u *URIFile) Close() error {
	if !u.published.Swap(false) {
		return nil
	}
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func validateURI(uri string) error {
	host, port, err := net.SplitHostPort(uri)
	if err != nil || host == "" || port == "" {
		return domain.NewValidationError("uri", fmt.Sprintf("invalid server address %q", uri))
	}
	return nil
}

// AdvertiseAddress picks the host:port to publish for a server bound to
// bindHost. Wildcard binds advertise the first non-loopback IPv4 address.
func AdvertiseAddress(advertiseHost, bindHost string, port int) string {
	host := advertiseHost
	if host == "" {
		host = bindHost
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if ips := localIPs(); len(ips) > 0 {
			host = ips[0].String()
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func localIPs() []net.IP {
	var ips []net.IP
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip = ip.To4(); ip == nil || ip.IsLoopback() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}
