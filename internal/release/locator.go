package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "relupd/internal/errors"
	"relupd/internal/logger"
	"relupd/internal/version"
)

const (
	// maxIndexBytes caps the release index body at 10 MiB.
	maxIndexBytes = 10 << 20

	defaultUserAgent    = "relupd"
	defaultIndexTimeout = 30 * time.Second
)

// HTTPClient is the subset of http.Client used by the locator.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Locator fetches a release index and picks the newest v<major>.<minor>.<patch> tag.
type Locator struct {
	indexURL  string
	client    HTTPClient
	userAgent string
	token     string
	log       logger.Logger
}

// Option customises Locator construction.
type Option func(*Locator)

// WithHTTPClient overrides the HTTP client used to fetch the index.
func WithHTTPClient(client HTTPClient) Option {
	return func(l *Locator) {
		l.client = client
	}
}

// WithUserAgent sets the User-Agent header. Release APIs commonly reject
// requests without one.
func WithUserAgent(ua string) Option {
	return func(l *Locator) {
		l.userAgent = ua
	}
}

// WithToken attaches a bearer token to index requests.
func WithToken(token string) Option {
	return func(l *Locator) {
		l.token = token
	}
}

// WithLogger sets the logger used for skipped tags and request tracing.
func WithLogger(log logger.Logger) Option {
	return func(l *Locator) {
		l.log = log
	}
}

// NewLocator returns a Locator for indexURL.
func NewLocator(indexURL string, opts ...Option) (*Locator, error) {
	parsed, err := url.Parse(strings.TrimSpace(indexURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apperrors.ConfigError(apperrors.CodeConfigInvalid, "release index URL must be absolute", err).
			WithModule("release").
			WithOperation("NewLocator").
			WithField("url", indexURL)
	}

	l := &Locator{
		indexURL:  parsed.String(),
		client:    &http.Client{Timeout: defaultIndexTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: defaultIndexTimeout}
	}
	if l.log == nil {
		l.log = logger.Discard()
	}
	return l, nil
}

// FindLatest fetches the index and returns the release with the greatest
// version among records whose tag matches v<major>.<minor>.<patch>. Draft
// records and non-matching tags are skipped. On equal versions the record
// listed first wins.
func (l *Locator) FindLatest(ctx context.Context) (*Release, error) {
	records, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var best *Release
	for _, rec := range records {
		if rec.Draft {
			l.log.DebugContext(ctx, "skipping draft release", logger.String("tag", rec.Tag))
			continue
		}
		v, err := version.ParseTag(rec.Tag)
		if err != nil {
			l.log.WarnContext(ctx, "skipping release with unrecognised tag", logger.String("tag", rec.Tag))
			continue
		}
		if best != nil && !v.GreaterThan(best.Version) {
			continue
		}
		best = &Release{
			Tag:     rec.Tag,
			Version: v,
			Name:    rec.Name,
			Notes:   rec.Notes,
			HTMLURL: rec.HTMLURL,
			Assets:  append([]Asset(nil), rec.Assets...),
		}
	}

	if best == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, apperrors.ErrCategoryNetwork, "no release with a v<major>.<minor>.<patch> tag", nil).
			WithModule("release").
			WithOperation("FindLatest").
			WithFields(apperrors.Metadata{"url": redactURL(l.indexURL), "records": len(records)})
	}

	l.log.InfoContext(ctx, "latest release resolved",
		logger.String("tag", best.Tag),
		logger.Int("assets", len(best.Assets)))
	return best, nil
}

func (l *Locator) fetch(ctx context.Context) ([]record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.indexURL, http.NoBody)
	if err != nil {
		return nil, apperrors.NetworkError(apperrors.CodeNetworkError, "failed to create index request", err).
			WithModule("release").
			WithOperation("fetch").
			WithField("url", redactURL(l.indexURL))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", l.userAgent)
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.FromContext(ctxErr)
		}
		return nil, apperrors.NetworkError(apperrors.CodeNetworkError, "release index request failed", err).
			WithModule("release").
			WithOperation("fetch").
			WithField("url", redactURL(l.indexURL))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		appErr := apperrors.NetworkError(apperrors.CodeNetworkError, fmt.Sprintf("release index returned %s", resp.Status), nil).
			WithModule("release").
			WithOperation("fetch").
			WithFields(apperrors.Metadata{
				"url":    redactURL(l.indexURL),
				"status": resp.StatusCode,
			})
		if reset, limited := rateLimitReset(resp); limited {
			appErr.WithField("rate_limit_reset", reset.UTC().Format(time.RFC3339))
		}
		return nil, appErr
	}

	records, err := decodeIndex(io.LimitReader(resp.Body, maxIndexBytes))
	if err != nil {
		return nil, apperrors.ValidationError(apperrors.CodeMalformedIndex, "release index is malformed", err).
			WithModule("release").
			WithOperation("fetch").
			WithField("url", redactURL(l.indexURL))
	}
	return records, nil
}

// rateLimitReset reports the reset time when the response signals an
// exhausted rate limit quota.
func rateLimitReset(resp *http.Response) (time.Time, bool) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return time.Time{}, false
	}
	if n, err := strconv.Atoi(remaining); err != nil || n > 0 {
		return time.Time{}, false
	}
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	return time.Unix(resetUnix, 0), true
}

// redactURL strips credentials, query and fragment for safe logging.
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
