package demo

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/config"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var bzip2Magic = []byte("BZh")

// DownloadError is a failed fetch of the demo archive. Replay servers are
// flaky, so it is always worth retrying.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download demo %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to download demo %s: status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Retryable() bool { return true }

// DecodeError means the downloaded file could not be unpacked or parsed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode demo %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Downloader struct {
	dir     string
	timeout time.Duration
	client  *fasthttp.Client
	logger  zerolog.Logger
}

func NewDownloader(cfg *config.Config, logger zerolog.Logger) *Downloader {
	return &Downloader{
		dir:     cfg.Pipeline.DemoDir,
		timeout: 10 * time.Minute,
		client: &fasthttp.Client{
			StreamResponseBody:  true,
			ReadTimeout:         time.Minute,
			WriteTimeout:        30 * time.Second,
			MaxIdleConnDuration: 30 * time.Second,
		},
		logger: logger,
	}
}

// Download streams the demo at demoURL into the demo directory and unpacks it
// when the payload is bzip2 compressed. It returns the path of the playable
// .dem file.
func (d *Downloader) Download(ctx context.Context, matchCode, demoURL string) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create demo directory: %w", err)
	}

	name := fileNameFromURL(demoURL, matchCode)
	finalPath := filepath.Join(d.dir, matchCode+"__"+name)
	tmpPath := finalPath + ".download"

	d.logger.Info().
		Str("match_code", matchCode).
		Str("url", demoURL).
		Str("path", finalPath).
		Msg("downloading demo")

	if err := d.fetch(ctx, demoURL, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	compressed, err := hasBzip2Magic(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", &DecodeError{Path: tmpPath, Err: err}
	}

	// the extension only names the output; the payload decides decoding
	outPath := finalPath
	if strings.EqualFold(filepath.Ext(finalPath), ".bz2") {
		outPath = strings.TrimSuffix(finalPath, filepath.Ext(finalPath))
	} else if compressed {
		outPath = filepath.Join(d.dir, matchCode+"__"+strings.TrimSuffix(name, path.Ext(name))+".dem")
	}

	if !compressed {
		if err := os.Rename(tmpPath, outPath); err != nil {
			return "", fmt.Errorf("failed to move demo into place: %w", err)
		}
		return outPath, nil
	}

	if err := decompress(tmpPath, outPath); err != nil {
		_ = os.Remove(outPath)
		return "", &DecodeError{Path: tmpPath, Err: err}
	}
	_ = os.Remove(tmpPath)

	d.logger.Debug().Str("match_code", matchCode).Str("path", outPath).Msg("demo decompressed")
	return outPath, nil
}

func (d *Downloader) fetch(ctx context.Context, demoURL, dst string) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(demoURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := d.client.DoDeadline(req, resp, deadline); err != nil {
		return &DownloadError{URL: demoURL, Err: err}
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return &DownloadError{URL: demoURL, StatusCode: code}
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if err := resp.BodyWriteTo(w); err != nil {
		_ = f.Close()
		return &DownloadError{URL: demoURL, Err: err}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return f.Close()
}

func hasBzip2Magic(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(bzip2Magic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Equal(head[:n], bzip2Magic), nil
}

func decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, bzip2.NewReader(bufio.NewReaderSize(in, 1<<20))); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileNameFromURL(demoURL, matchCode string) string {
	if u, err := url.Parse(demoURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return strings.ReplaceAll(matchCode, "-", "_")
}
