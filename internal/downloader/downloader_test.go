package downloader

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentstream/internal/engine"
	"torrentstream/internal/engine/enginetest"
	"torrentstream/internal/session"
	"torrentstream/internal/streamio"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func noopOpenFiles(engine.TorrentHandle) session.DiskReaderFactory {
	return func(fileIndex int) (streamio.DiskReaderAt, error) {
		return nil, nil
	}
}

func TestDownloader_AddTorrent_RegistersSessionAndRecord(t *testing.T) {
	native := enginetest.NewSession()
	reg := openRegistry(t)
	d := New(native, reg, t.TempDir(), noopOpenFiles, zerolog.Nop())

	s, err := d.AddTorrent("magnet:?xt=urn:btih:deadbeef", "")
	require.NoError(t, err)
	require.NotNil(t, s)

	got, ok := d.Session(s.ID())
	assert.True(t, ok)
	assert.Same(t, s, got)

	records, err := reg.All()
	require.NoError(t, err)
	assert.Contains(t, records, s.ID())
}

func TestDownloader_AddTorrent_Rejected(t *testing.T) {
	native := enginetest.NewSession()
	native.RejectNextStart()
	d := New(native, nil, t.TempDir(), noopOpenFiles, zerolog.Nop())

	_, err := d.AddTorrent("magnet:?xt=urn:btih:deadbeef", "")
	require.Error(t, err)
}

func TestDownloader_Close_ReleasesAllSessions(t *testing.T) {
	native := enginetest.NewSession()
	reg := openRegistry(t)
	d := New(native, reg, t.TempDir(), noopOpenFiles, zerolog.Nop())

	s1, err := d.AddTorrent("magnet:?xt=urn:btih:aaaa", "")
	require.NoError(t, err)
	s2, err := d.AddTorrent("magnet:?xt=urn:btih:bbbb", "")
	require.NoError(t, err)

	require.NoError(t, d.Close())

	_, ok := d.Session(s1.ID())
	assert.False(t, ok)
	_, ok = d.Session(s2.ID())
	assert.False(t, ok)
}
