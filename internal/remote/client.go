// Package remote talks to the serialized-fiction platform: the metadata API
// that advertises episode counts and the content hosts that serve episodes.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// DefaultUserAgents is the client-identity pool an attempt picks from.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = time.Second
	DefaultTimeout    = 20 * time.Second
)

type SleepFunc func(context.Context, time.Duration) error

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	HTTPClient             *http.Client
	InfoEndpoint           string
	RestrictedInfoEndpoint string
	ContentHost            string
	RestrictedContentHost  string
	UserAgents             []string
	MaxRetries             int
	RetryBase              time.Duration
	Limiter                *Limiter
	Sleep                  SleepFunc
	Now                    func() time.Time
}

type Client struct {
	httpClient     *http.Client
	infoURL        string
	restrictedInfo string
	host           string
	restrictedHost string
	agents         []string
	maxRetries     int
	retryBase      time.Duration
	limiter        *Limiter
	sleep          SleepFunc
	now            func() time.Time
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(DefaultConnections)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient:     httpClient,
		infoURL:        opts.InfoEndpoint,
		restrictedInfo: opts.RestrictedInfoEndpoint,
		host:           strings.TrimRight(opts.ContentHost, "/"),
		restrictedHost: strings.TrimRight(opts.RestrictedContentHost, "/"),
		agents:         agents,
		maxRetries:     maxRetries,
		retryBase:      retryBase,
		limiter:        limiter,
		sleep:          sleep,
		now:            now,
	}
}

// Limiter exposes the connection limiter shared by this client.
func (c *Client) Limiter() *Limiter {
	return c.limiter
}

// userAgent picks a client identity for one attempt.
func (c *Client) userAgent() string {
	return c.agents[rand.Intn(len(c.agents))]
}

var errNotFound = errors.New("not found")

type statusError struct {
	status int
	text   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status: %s", e.text)
}

// get performs a single GET under a limiter permit and returns the body.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, bool, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept-Language", "ja,en;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, errNotFound
	default:
		return nil, false, &statusError{status: resp.StatusCode, text: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return data, resp.Uncompressed, nil
}

// FetchWithRetry fetches and parses an upstream page, retrying timeouts and
// transport failures with a linearly growing delay. It returns nil, false once
// attempts are exhausted or the page does not exist.
func (c *Client) FetchWithRetry(ctx context.Context, rawURL string) (*html.Node, bool) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}
		data, _, err := c.get(ctx, rawURL)
		if err == nil {
			doc, err := html.Parse(bytes.NewReader(data))
			if err != nil {
				log.Printf("[remote] parse %s: %v", rawURL, err)
				return nil, false
			}
			return doc, true
		}
		if !retryable(err) || ctx.Err() != nil {
			log.Printf("[remote] %s: %v", rawURL, err)
			return nil, false
		}
		log.Printf("[remote] attempt %d/%d for %s failed: %v", attempt+1, c.maxRetries, rawURL, err)
		if attempt == c.maxRetries-1 {
			break
		}
		if err := c.sleep(ctx, c.retryBase*time.Duration(attempt+1)); err != nil {
			return nil, false
		}
	}
	return nil, false
}

func retryable(err error) bool {
	if errors.Is(err, errNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.status == http.StatusTooManyRequests || status.status >= 500
	}
	return true
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
