// Package scraper fetches train details pages and extracts seat availability.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"train-notifier/cookies"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 5 << 20
	defaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultAcceptLang   = "ru-RU,ru;q=0.9"
)

// Kind tags the result of a successful fetch.
type Kind int

const (
	// NoAvailability means the site redirected to its root: the train is sold out
	// or not bookable.
	NoAvailability Kind = iota + 1
	// Content means the details page was returned.
	Content
)

func (k Kind) String() string {
	switch k {
	case NoAvailability:
		return "no_availability"
	case Content:
		return "content"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of Fetch.
type Outcome struct {
	Body       []byte // Set only for Content
	Kind       Kind
	StatusCode int
}

// AccessDeniedError indicates a 403 Forbidden response. The site no longer
// accepts the session, so the whole run must stop.
type AccessDeniedError struct {
	URL string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsAccessDenied checks if an error is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

// FetchError is any other failure to get a usable response for a URL.
type FetchError struct {
	Err        error
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SessionSaver persists the cookie jar after each request.
type SessionSaver interface {
	Save(ctx context.Context, jar *cookies.Jar) error
}

// Config holds fetcher settings. Zero values get defaults.
type Config struct {
	Transport      http.RoundTripper // nil uses http.DefaultTransport
	SiteRoot       string            // e.g. https://grandtrain.ru/
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	MaxBodyBytes   int64
}

// Fetcher requests train details pages with a persistent browser-like session.
type Fetcher struct {
	follow   *http.Client
	direct   *http.Client
	jar      *cookies.Jar
	session  SessionSaver
	logger   *slog.Logger
	siteRoot *url.URL
	headers  http.Header
	maxBody  int64
}

// New creates a fetcher that sends cookies from jar and saves it through session.
func New(jar *cookies.Jar, session SessionSaver, cfg Config, logger *slog.Logger) (*Fetcher, error) {
	root, err := url.Parse(cfg.SiteRoot)
	if err != nil || root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("invalid site root %q", cfg.SiteRoot)
	}
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	lang := cfg.AcceptLanguage
	if lang == "" {
		lang = defaultAcceptLang
	}

	headers := http.Header{}
	headers.Set("User-Agent", ua)
	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	headers.Set("Accept-Language", lang)
	headers.Set("Cache-Control", "max-age=0")
	headers.Set("Referer", root.String())

	return &Fetcher{
		follow: &http.Client{
			Transport: cfg.Transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		direct: &http.Client{
			Transport: cfg.Transport,
			Jar:       jar,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:      jar,
		session:  session,
		logger:   logger,
		siteRoot: root,
		headers:  headers,
		maxBody:  maxBody,
	}, nil
}

type response struct {
	header     http.Header
	body       []byte
	statusCode int
}

// Fetch requests one details page. It returns an *AccessDeniedError on 403 and a
// *FetchError on any other unusable response. The cookie jar is saved after every
// request except a 403.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Outcome, error) {
	resp, err := f.get(ctx, f.direct, pageURL)
	if err != nil {
		return nil, f.fail(ctx, &FetchError{URL: pageURL, Err: err})
	}

	if isRedirect(resp.statusCode) {
		location := resp.header.Get("Location")
		if f.withinSite(pageURL, location) {
			f.logger.Info("No seats available, redirected", "url", pageURL, "location", location)
			return f.finish(ctx, &Outcome{Kind: NoAvailability, StatusCode: resp.statusCode})
		}

		f.logger.Info("Redirect outside site root, fetching again", "url", pageURL, "location", location)
		resp, err = f.get(ctx, f.follow, pageURL)
		if err != nil {
			return nil, f.fail(ctx, &FetchError{URL: pageURL, Err: err})
		}
	}

	switch {
	case resp.statusCode == http.StatusForbidden:
		f.logger.Error("HTTP 403 Forbidden - session rejected", "url", pageURL)
		return nil, &AccessDeniedError{URL: pageURL}
	case resp.statusCode >= 200 && resp.statusCode < 300:
		return f.finish(ctx, &Outcome{Kind: Content, Body: resp.body, StatusCode: resp.statusCode})
	default:
		return nil, f.fail(ctx, &FetchError{URL: pageURL, StatusCode: resp.statusCode})
	}
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, pageURL string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.headers {
		req.Header[k] = v
	}

	f.logger.Info("HTTP request starting", "method", "GET", "url", pageURL)
	startTime := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("HTTP request failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}

	f.logger.Info("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(body))

	return &response{header: resp.Header, body: body, statusCode: resp.StatusCode}, nil
}

// withinSite reports whether a redirect location points into the site root.
func (f *Fetcher) withinSite(pageURL, location string) bool {
	if location == "" {
		return false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	target, err := base.Parse(location)
	if err != nil {
		return false
	}
	return strings.HasPrefix(target.String(), f.siteRoot.String())
}

func (f *Fetcher) finish(ctx context.Context, out *Outcome) (*Outcome, error) {
	if err := f.saveSession(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fail(ctx context.Context, fetchErr *FetchError) error {
	if err := f.saveSession(ctx); err != nil {
		return errors.Join(fetchErr, err)
	}
	return fetchErr
}

func (f *Fetcher) saveSession(ctx context.Context) error {
	if err := f.session.Save(ctx, f.jar); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
