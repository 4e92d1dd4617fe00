// Package cookies provides an http.CookieJar whose contents can be listed and
// persisted between process runs.
package cookies

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is a stored cookie together with the attributes needed to match it.
type Cookie struct {
	Expires  time.Time // zero for session cookies
	Name     string
	Value    string
	Domain   string // lower case, no leading dot
	Path     string
	Secure   bool
	HTTPOnly bool
	HostOnly bool
}

func (c *Cookie) key() string {
	return c.Domain + ";" + c.Path + ";" + c.Name
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

func (c *Cookie) domainMatch(host string) bool {
	if c.HostOnly {
		return host == c.Domain
	}
	return host == c.Domain || strings.HasSuffix(host, "."+c.Domain)
}

var _ http.CookieJar = (*Jar)(nil)

// Jar is a cookie jar following RFC 6265 storage rules.
// It is safe for concurrent use.
type Jar struct {
	now     func() time.Time
	entries map[string]*Cookie
	mu      sync.Mutex
}

// New creates an empty jar.
func New() *Jar {
	return &Jar{
		entries: make(map[string]*Cookie),
		now:     time.Now,
	}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := canonicalHost(u)
	if host == "" {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	for _, hc := range cookies {
		c, remove, ok := fromHTTP(hc, host, u.Path, now)
		if !ok {
			continue
		}
		if remove {
			delete(j.entries, c.key())
			continue
		}
		j.entries[c.key()] = c
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := canonicalHost(u)
	if host == "" {
		return nil
	}
	https := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var matched []*Cookie
	for k, c := range j.entries {
		if c.expired(now) {
			delete(j.entries, k)
			continue
		}
		if c.Secure && !https {
			continue
		}
		if !c.domainMatch(host) || !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}

	// Longer paths first, then by name so the header is stable.
	sort.Slice(matched, func(a, b int) bool {
		if len(matched[a].Path) != len(matched[b].Path) {
			return len(matched[a].Path) > len(matched[b].Path)
		}
		return matched[a].Name < matched[b].Name
	})

	out := make([]*http.Cookie, 0, len(matched))
	for _, c := range matched {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// Add stores a cookie as-is, replacing any cookie with the same domain, path and name.
func (j *Jar) Add(c Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := c
	j.entries[cp.key()] = &cp
}

// All returns a copy of the stored, unexpired cookies ordered by domain, path and name.
func (j *Jar) All() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	out := make([]Cookie, 0, len(j.entries))
	for _, c := range j.entries {
		if c.expired(now) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Len returns the number of stored, unexpired cookies.
func (j *Jar) Len() int {
	return len(j.All())
}

// fromHTTP converts a Set-Cookie into a stored cookie. remove reports that the
// cookie deletes an existing entry; ok is false when the cookie must be ignored.
func fromHTTP(hc *http.Cookie, host, requestPath string, now time.Time) (c *Cookie, remove, ok bool) {
	if hc.Name == "" {
		return nil, false, false
	}

	c = &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}

	domain, hostOnly, ok := cookieDomain(host, hc.Domain)
	if !ok {
		return nil, false, false
	}
	c.Domain = domain
	c.HostOnly = hostOnly

	c.Path = hc.Path
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(requestPath)
	}

	switch {
	case hc.MaxAge < 0:
		return c, true, true
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		if !hc.Expires.After(now) {
			return c, true, true
		}
		c.Expires = hc.Expires
	}
	return c, false, true
}

func cookieDomain(host, attr string) (domain string, hostOnly, ok bool) {
	if attr == "" {
		return host, true, true
	}

	domain = strings.ToLower(strings.TrimPrefix(attr, "."))
	if domain == "" {
		return host, true, true
	}

	if net.ParseIP(host) != nil {
		// IP hosts only ever get host-only cookies.
		if domain != host {
			return "", false, false
		}
		return host, true, true
	}

	if domain != host && !strings.HasSuffix(host, "."+domain) {
		return "", false, false
	}

	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		if domain != host {
			return "", false, false
		}
		return host, true, true
	}

	return domain, false, true
}

func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

func canonicalHost(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}
