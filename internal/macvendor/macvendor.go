// Package macvendor looks up OUI vendor names for MAC addresses,
// caching results and gating outbound calls.
package macvendor

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wolyhq/cnc/internal/ccerr"
)

const (
	// DefaultTTL is how long a cached lookup (including the negative
	// "Unknown Vendor" result) stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity bounds the cache's resident entry count.
	DefaultCapacity = 1000
	// UnknownVendor is cached on a 404 response.
	UnknownVendor = "Unknown Vendor"

	defaultBaseURL = "https://api.macvendors.com"
)

type entry struct {
	mac       string
	vendor    string
	cachedAt  time.Time
}

// Lookup resolves MAC addresses to vendor names, serialized behind a
// 1-per-second outbound gate and backed by an LRU cache.
type Lookup struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	cap     int

	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	gateMu   sync.Mutex
	lastCall time.Time
}

// New constructs a Lookup. Defaults: TTL 24h, capacity 1000.
func New(baseURL string, ttl time.Duration, capacity int) *Lookup {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Lookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     ttl,
		cap:     capacity,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Key normalizes a MAC address to the cache's canonical form: uppercase,
// colon-free.
func Key(mac string) string {
	mac = strings.ToUpper(mac)
	mac = strings.NewReplacer(":", "", "-", "").Replace(mac)
	return mac
}

// VendorOf returns the cached vendor for mac, or performs (and gates) a
// fresh outbound lookup on a cache miss or expiry.
func (l *Lookup) VendorOf(ctx context.Context, mac string) (string, error) {
	key := Key(mac)

	if v, ok := l.get(key); ok {
		return v, nil
	}

	if err := l.awaitGate(ctx); err != nil {
		return "", err
	}

	vendor, err := l.fetch(ctx, mac)
	if err != nil {
		return "", err
	}

	l.put(key, vendor)
	return vendor, nil
}

func (l *Lookup) get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if time.Since(e.cachedAt) > l.ttl {
		l.order.Remove(el)
		delete(l.items, key)
		return "", false
	}
	l.order.MoveToFront(el)
	return e.vendor, true
}

func (l *Lookup) put(key, vendor string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		el.Value.(*entry).vendor = vendor
		el.Value.(*entry).cachedAt = time.Now()
		l.order.MoveToFront(el)
		return
	}

	el := l.order.PushFront(&entry{mac: key, vendor: vendor, cachedAt: time.Now()})
	l.items[key] = el

	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*entry).mac)
	}
}

// awaitGate blocks until at least one second has elapsed since the
// previous outbound call, serializing calls to respect the 1/sec gate.
func (l *Lookup) awaitGate(ctx context.Context) error {
	l.gateMu.Lock()
	defer l.gateMu.Unlock()

	wait := time.Second - time.Since(l.lastCall)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.lastCall = time.Now()
	return nil
}

func (l *Lookup) fetch(ctx context.Context, mac string) (string, error) {
	url := fmt.Sprintf("%s/%s", l.baseURL, mac)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ccerr.Wrap(ccerr.Internal, "building mac vendor request", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", ccerr.Wrap(ccerr.Internal, "mac vendor lookup failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", ccerr.Wrap(ccerr.Internal, "reading mac vendor response", err)
		}
		return strings.TrimSpace(string(body)), nil
	case resp.StatusCode == http.StatusNotFound:
		return UnknownVendor, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ccerr.New(ccerr.RateLimited, "mac vendor lookup rate limited")
	case resp.StatusCode >= 500:
		return "", ccerr.New(ccerr.Internal, fmt.Sprintf("mac vendor lookup upstream error: %d", resp.StatusCode))
	default:
		return "", ccerr.New(ccerr.Internal, fmt.Sprintf("unexpected mac vendor response: %d", resp.StatusCode))
	}
}
