// Package drive resolves cloud-drive share links to direct-download URLs.
// Yandex.Disk needs an API round-trip; Google Drive and Dropbox links are
// plain rewrites.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// yandexAPIBase is the public-resource download endpoint of the Yandex.Disk
// REST API.
const yandexAPIBase = "https://cloud-api.yandex.net/v1/disk/public/resources/download"

var (
	// Yandex.Disk uses /d/ for shared folders and /i/ for single files;
	// both forms resolve through the same public-resources API.
	yandexPattern  = regexp.MustCompile(`^https://(disk\.yandex\.(ru|com)|yadi\.sk)/[di]/\S+`)
	googlePattern  = regexp.MustCompile(`^https://drive\.google\.com/(file/d/([\w-]+)|open\?id=([\w-]+))`)
	dropboxPattern = regexp.MustCompile(`^https://(www\.)?dropbox\.com/\S+`)
)

// Resolver turns share links into direct-download URLs.
type Resolver struct {
	httpClient *http.Client
	apiBase    string
}

// Option is a functional option for Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client used for API round-trips.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithYandexAPIBase overrides the Yandex.Disk API endpoint. Test use mostly.
func WithYandexAPIBase(base string) Option {
	return func(r *Resolver) { r.apiBase = base }
}

// NewResolver creates a Resolver with a 10-second HTTP timeout.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBase:    yandexAPIBase,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsShareLink reports whether text looks like a supported cloud-drive share
// URL.
func IsShareLink(text string) bool {
	text = strings.TrimSpace(text)
	return yandexPattern.MatchString(text) ||
		googlePattern.MatchString(text) ||
		dropboxPattern.MatchString(text)
}

// Resolve maps a share link to a direct-download URL.
func (r *Resolver) Resolve(ctx context.Context, link string) (string, error) {
	link = strings.TrimSpace(link)
	switch {
	case yandexPattern.MatchString(link):
		return r.resolveYandex(ctx, link)
	case googlePattern.MatchString(link):
		return rewriteGoogle(link)
	case dropboxPattern.MatchString(link):
		return rewriteDropbox(link)
	default:
		return "", fmt.Errorf("drive: unsupported share link %q", link)
	}
}

// resolveYandex asks the public API for the temporary download href of the
// shared resource.
func (r *Resolver) resolveYandex(ctx context.Context, link string) (string, error) {
	u := r.apiBase + "?public_key=" + url.QueryEscape(link)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("drive: build yandex request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("drive: yandex api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("drive: read yandex response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("drive: yandex api status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("drive: decode yandex response: %w", err)
	}
	if out.Href == "" {
		return "", fmt.Errorf("drive: yandex api returned no download href")
	}
	return out.Href, nil
}

// rewriteGoogle maps a Drive viewer link to the uc?export=download form.
func rewriteGoogle(link string) (string, error) {
	m := googlePattern.FindStringSubmatch(link)
	id := m[2]
	if id == "" {
		id = m[3]
	}
	if id == "" {
		return "", fmt.Errorf("drive: no file id in %q", link)
	}
	return "https://drive.google.com/uc?export=download&id=" + id, nil
}

// rewriteDropbox forces direct download via the dl=1 query parameter.
func rewriteDropbox(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("drive: parse dropbox link: %w", err)
	}
	q := u.Query()
	q.Set("dl", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
