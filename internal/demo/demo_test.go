package demo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bzip2 encoding of "hello demo\n".
var helloBzip2 = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xad, 0x46,
	0xd7, 0xa3, 0x00, 0x00, 0x02, 0xd1, 0x00, 0x00, 0x10, 0x40, 0x00, 0x06,
	0x46, 0xa0, 0x00, 0x21, 0x93, 0x4c, 0x9a, 0x10, 0xc0, 0x8a, 0x14, 0x6e,
	0x76, 0x55, 0xe2, 0xee, 0x48, 0xa7, 0x0a, 0x12, 0x15, 0xa8, 0xda, 0xf4,
	0x60,
}

func newTestDownloader(t *testing.T) *Downloader {
	t.Helper()
	cfg := &config.Config{Pipeline: config.PipelineConfig{DemoDir: t.TempDir()}}
	return NewDownloader(cfg, zerolog.Nop())
}

func TestDownloadPlainDemo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PBDEMS2\x00payload"))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	p, err := d.Download(context.Background(), "CSGO-AAAAA", srv.URL+"/730/003.dem")
	require.NoError(t, err)
	assert.Equal(t, "CSGO-AAAAA__003.dem", filepath.Base(p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "PBDEMS2\x00payload", string(data))

	_, err = os.Stat(p + ".download")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadPlainDemoWithArchiveExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PBDEMS2\x00payload"))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	p, err := d.Download(context.Background(), "CSGO-AAAAA", srv.URL+"/730/003.dem.bz2")
	require.NoError(t, err)
	assert.Equal(t, "CSGO-AAAAA__003.dem", filepath.Base(p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "PBDEMS2\x00payload", string(data))
}

func TestDownloadBzip2Demo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(helloBzip2)
	}))
	defer srv.Close()

	d := newTestDownloader(t)

	p, err := d.Download(context.Background(), "CSGO-AAAAA", srv.URL+"/730/003.dem.bz2")
	require.NoError(t, err)
	assert.Equal(t, "CSGO-AAAAA__003.dem", filepath.Base(p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello demo\n", string(data))

	p, err = d.Download(context.Background(), "CSGO-BBBBB", srv.URL+"/730/004")
	require.NoError(t, err)
	assert.Equal(t, "CSGO-BBBBB__004.dem", filepath.Base(p))
}

func TestDownloadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.bz2" {
			_, _ = w.Write([]byte("BZh9 not really bzip2"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDownloader(t)

	_, err := d.Download(context.Background(), "CSGO-AAAAA", srv.URL+"/missing.dem")
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusServiceUnavailable, dlErr.StatusCode)
	assert.True(t, dlErr.Retryable())

	_, err = d.Download(context.Background(), "CSGO-AAAAA", srv.URL+"/broken.bz2")
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "003.dem.bz2", fileNameFromURL("http://replay1.valve.net/730/003.dem.bz2?x=1", "CSGO-A-B"))
	assert.Equal(t, "CSGO_A_B", fileNameFromURL("http://replay1.valve.net/", "CSGO-A-B"))
}

func TestParseRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "garbage.dem")
	require.NoError(t, os.WriteFile(p, []byte("definitely not a demo file"), 0o644))

	_, err := NewParser(zerolog.Nop()).Parse(context.Background(), p)
	require.Error(t, err)
}

func TestParsedDemoStatsOrdering(t *testing.T) {
	d := &parsedDemo{
		names: map[string]string{"2": "bravo"},
		stats: map[string]*PlayerStat{
			"2": {SteamID: "2", Kills: 3},
			"1": {SteamID: "1", Deaths: 4},
		},
	}

	stats := d.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "1", stats[0].SteamID)
	assert.Equal(t, 3, stats[1].Kills)
	assert.Equal(t, "bravo", d.PlayerInfo("2").DisplayName)
	assert.Empty(t, d.PlayerInfo("1").DisplayName)
}
