// Package downloader streams a remote resource to a local file with progress reporting.
package downloader

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "relupd/internal/errors"
	"relupd/internal/logger"
)

const (
	// DefaultChunkSize is the read/write unit for the transfer loop.
	DefaultChunkSize = 80 * 1024

	// DefaultConnectTimeout bounds dialing, the TLS handshake and the wait
	// for response headers. The body transfer itself is unbounded.
	DefaultConnectTimeout = 30 * time.Second

	defaultProgressInterval = 100 * time.Millisecond
	defaultUserAgent        = "relupd"
)

// HTTPClient represents the subset of http.Client methods required by the downloader.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Downloader fetches single resources. Failed transfers are not retried.
type Downloader struct {
	client           HTTPClient
	fs               FileSystem
	log              logger.Logger
	chunkSize        int
	userAgent        string
	token            string
	tokenHost        string
	progressInterval time.Duration
	now              func() time.Time
}

// Option customises Downloader construction.
type Option func(*Downloader)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client HTTPClient) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithFileSystem overrides the filesystem implementation.
func WithFileSystem(fs FileSystem) Option {
	return func(d *Downloader) {
		d.fs = fs
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Downloader) {
		d.log = log
	}
}

// WithChunkSize overrides the transfer chunk size.
func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		d.chunkSize = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// WithToken attaches a bearer token, but only to requests whose host equals
// host. Redirects to other hosts never see it.
func WithToken(token, host string) Option {
	return func(d *Downloader) {
		d.token = token
		d.tokenHost = host
	}
}

// WithProgressInterval sets the minimum spacing between intermediate
// progress emissions. The final emission is never suppressed.
func WithProgressInterval(interval time.Duration) Option {
	return func(d *Downloader) {
		d.progressInterval = interval
	}
}

// WithClock overrides the time source used for rate and throttling.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
	}
}

// New constructs a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:           defaultHTTPClient(0, DefaultConnectTimeout),
		fs:               OSFileSystem{},
		chunkSize:        DefaultChunkSize,
		userAgent:        defaultUserAgent,
		progressInterval: defaultProgressInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = defaultHTTPClient(0, DefaultConnectTimeout)
	}
	if d.fs == nil {
		d.fs = OSFileSystem{}
	}
	if d.log == nil {
		d.log = logger.Discard()
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Download streams rawURL into dest. dest must not exist. onProgress may be
// nil. On any failure the partially written file is removed.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	resp, err := d.open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := d.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.IOError("failed to create destination directory", err).
			WithModule("downloader").
			WithOperation("Download").
			WithField("path", filepath.Dir(dest))
	}

	out, err := d.fs.CreateExclusive(dest)
	if err != nil {
		return apperrors.IOError("destination is not writable exclusively", err).
			WithModule("downloader").
			WithOperation("Download").
			WithField("path", dest)
	}

	state := newTransferState(resp.ContentLength, d.now())
	d.log.InfoContext(ctx, "download started",
		logger.String("url", redactURL(rawURL)),
		logger.String("dest", dest),
		logger.Int64("content_length", state.TotalBytes))

	copyErr := d.copy(ctx, out, resp.Body, state, onProgress)
	closeErr := out.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = apperrors.IOError("failed to flush downloaded file", closeErr).
			WithModule("downloader").
			WithOperation("Download").
			WithField("path", dest)
	}
	if copyErr != nil {
		if rmErr := d.fs.Remove(dest); rmErr != nil && !stdErrors.Is(rmErr, os.ErrNotExist) {
			d.log.WarnContext(ctx, "failed to remove partial download", logger.String("path", dest), logger.Error(rmErr))
		}
		return copyErr
	}

	final := state.snapshot(d.now(), true)
	onProgress(final)
	d.log.InfoContext(ctx, "download finished",
		logger.String("dest", dest),
		logger.Int64("bytes", final.BytesDone),
		logger.Duration("elapsed", d.now().Sub(state.StartTime)))
	return nil
}

func (d *Downloader) open(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, apperrors.NetworkError(apperrors.CodeNetworkError, "failed to create download request", err).
			WithModule("downloader").
			WithOperation("open").
			WithField("url", redactURL(rawURL))
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/octet-stream")
	if d.token != "" && strings.EqualFold(req.URL.Host, d.tokenHost) {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.FromContext(ctxErr)
		}
		return nil, apperrors.NetworkError(apperrors.CodeNetworkError, "download request failed", err).
			WithModule("downloader").
			WithOperation("open").
			WithField("url", redactURL(rawURL))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, apperrors.NetworkError(apperrors.CodeNetworkError, fmt.Sprintf("download returned %s", resp.Status), nil).
			WithModule("downloader").
			WithOperation("open").
			WithFields(apperrors.Metadata{
				"url":    redactURL(rawURL),
				"status": resp.StatusCode,
			})
	}
	return resp, nil
}

// copy moves body into out one chunk at a time. Each chunk is fully written
// before the next read, and ctx is checked between chunks.
func (d *Downloader) copy(ctx context.Context, out io.Writer, body io.Reader, state *TransferState, onProgress ProgressFunc) error {
	buf := make([]byte, d.chunkSize)
	onProgress(state.snapshot(d.now(), false))

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.FromContext(err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return apperrors.IOError("failed to write file to disk", err).
					WithModule("downloader").
					WithOperation("copy")
			}
			state.BytesTransferred += int64(n)
			if now := d.now(); state.due(now, d.progressInterval) {
				onProgress(state.snapshot(now, false))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return apperrors.FromContext(ctxErr)
			}
			return apperrors.NetworkError(apperrors.CodeNetworkError, "download interrupted", readErr).
				WithModule("downloader").
				WithOperation("copy").
				WithField("bytes", state.BytesTransferred)
		}
	}

	if state.TotalBytes > 0 && state.BytesTransferred != state.TotalBytes {
		return apperrors.NetworkError(apperrors.CodeNetworkError, "download truncated", nil).
			WithModule("downloader").
			WithOperation("copy").
			WithFields(apperrors.Metadata{
				"expected_bytes": state.TotalBytes,
				"bytes":          state.BytesTransferred,
			})
	}
	return nil
}

func defaultHTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewHTTPClient returns the downloader's default client. timeout caps the
// whole exchange including the body and zero leaves it unbounded;
// connectTimeout bounds dialing and the wait for response headers.
func NewHTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	return defaultHTTPClient(timeout, connectTimeout)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
