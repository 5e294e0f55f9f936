package ports

import "context"

// Locator publishes and resolves the network address of a running server.
type Locator interface {
	Publish(ctx context.Context, uri string) error
	Resolve(ctx context.Context) (string, error)
	Close() error
}
