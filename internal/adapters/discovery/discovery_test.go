package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURIFile_PublishResolveClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "uri")
	u := NewURIFile(path, nil)
	ctx := context.Background()

	require.NoError(t, u.Publish(ctx, "10.0.0.5:4242"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:4242\n", string(data))

	uri, err := u.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:4242", uri)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	_, err = u.Resolve(ctx)
	assert.True(t, domain.IsServerUnreachable(err))
}

func TestURIFile_ReaderCloseKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uri")
	writer := NewURIFile(path, nil)
	require.NoError(t, writer.Publish(context.Background(), "127.0.0.1:5000"))

	reader := NewURIFile(path, nil)
	_, err := reader.Resolve(context.Background())
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.FileExists(t, path)

	require.NoError(t, writer.Close())
	assert.NoFileExists(t, path)
}

func TestURIFile_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uri")
	u := NewURIFile(path, nil)

	assert.Error(t, u.Publish(context.Background(), "not-an-address"))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err := u.Resolve(context.Background())
	assert.Error(t, err)
}

func TestComposite_FallsThrough(t *testing.T) {
	dir := t.TempDir()
	missing := NewURIFile(filepath.Join(dir, "missing"), nil)
	present := NewURIFile(filepath.Join(dir, "present"), nil)
	require.NoError(t, present.Publish(context.Background(), "127.0.0.1:9000"))

	uri, err := NewComposite(missing, present).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", uri)

	_, err = NewComposite().Resolve(context.Background())
	assert.True(t, domain.IsServerUnreachable(err))
}

func TestComposite_PublishesEverywhere(t *testing.T) {
	dir := t.TempDir()
	a := NewURIFile(filepath.Join(dir, "a"), nil)
	b := NewURIFile(filepath.Join(dir, "b"), nil)
	c := NewComposite(a, b)

	require.NoError(t, c.Publish(context.Background(), "127.0.0.1:1"))
	for _, l := range []*URIFile{a, b} {
		uri, err := l.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1", uri)
	}
	require.NoError(t, c.Close())
}

func TestFromConfig_AddressWins(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Server.URIFile = filepath.Join(t.TempDir(), "uri")

	uri, err := FromConfig(cfg, "192.168.1.2:7000", nil).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2:7000", uri)
}

func TestAdvertiseAddress(t *testing.T) {
	assert.Equal(t, "example.org:80", AdvertiseAddress("example.org", "0.0.0.0", 80))
	assert.Equal(t, "10.1.1.1:80", AdvertiseAddress("", "10.1.1.1", 80))
	assert.NotContains(t, AdvertiseAddress("", "0.0.0.0", 80), "0.0.0.0")
}
