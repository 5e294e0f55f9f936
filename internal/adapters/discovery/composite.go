package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// Composite publishes to every locator and resolves through the first one
// that answers.
type Composite struct {
	locators []ports.Locator
}

var _ ports.Locator = (*Composite)(nil)

func NewComposite(locators ...ports.Locator) *Composite {
	return &Composite{locators: locators}
}

func (c *Composite) Publish(ctx context.Context, uri string) error {
	var errs []error
	for _, l := range c.locators {
		if err := l.Publish(ctx, uri); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Composite) Resolve(ctx context.Context) (string, error) {
	var errs []error
	for _, l := range c.locators {
		uri, err := l.Resolve(ctx)
		if err == nil {
			return uri, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no locator configured", domain.ErrServerUnreachable)
	}
	return "", errors.Join(errs...)
}

func (c *Composite) Close() error {
	var errs []error
	for _, l := range c.locators {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Static resolves to a fixed address. Publish and Close are no-ops.
type Static string

func (s Static) Publish(context.Context, string) error { return nil }

func (s Static) Resolve(context.Context) (string, error) {
	if err := validateURI(string(s)); err != nil {
		return "", err
	}
	return string(s), nil
}

func (s Static) Close() error { return nil }

// FromConfig builds the locator for a run: an explicit address wins, then the
// uri file, then mDNS when enabled.
func FromConfig(cfg *domain.Config, address string, logger *slog.Logger) ports.Locator {
	var locators []ports.Locator
	if address != "" {
		locators = append(locators, Static(address))
	}
	if cfg.Server.URIFile != "" {
		locators = append(locators, NewURIFile(cfg.Server.URIFile, logger))
	}
	if cfg.Discovery.MDNS {
		locators = append(locators, NewMDNS(cfg.Discovery, cfg.RunID, logger))
	}
	return NewComposite(locators...)
}
