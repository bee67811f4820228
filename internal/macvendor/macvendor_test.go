package macvendor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolyhq/cnc/internal/ccerr"
)

func TestKeyNormalizesMACForms(t *testing.T) {
	cases := []string{"AA:BB:CC:DD:EE:FF", "aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF"}
	want := "AABBCCDDEEFF"
	for _, c := range cases {
		if got := Key(c); got != want {
			t.Errorf("Key(%q) = %q, want %q", c, got, want)
		}
	}
}

func TestVendorOfCachesSuccessfulLookup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("Acme Corp"))
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 10)
	for i := 0; i < 3; i++ {
		v, err := l.VendorOf(context.Background(), "AA:BB:CC:DD:EE:FF")
		if err != nil {
			t.Fatalf("VendorOf: %v", err)
		}
		if v != "Acme Corp" {
			t.Errorf("expected Acme Corp, got %q", v)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("expected exactly one outbound call due to caching, got %d", calls.Load())
	}
}

func TestVendorOf404CachesUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 10)
	v, err := l.VendorOf(context.Background(), "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("VendorOf: %v", err)
	}
	if v != UnknownVendor {
		t.Errorf("expected %q, got %q", UnknownVendor, v)
	}
}

func TestVendorOf429SurfacesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 10)
	_, err := l.VendorOf(context.Background(), "AA:BB:CC:DD:EE:FF")
	if ccerr.KindOf(err) != ccerr.RateLimited {
		t.Errorf("expected RateLimited, got %v", err)
	}
}

func TestVendorOf5xxSurfacesInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 10)
	_, err := l.VendorOf(context.Background(), "AA:BB:CC:DD:EE:FF")
	if ccerr.KindOf(err) != ccerr.Internal {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestLRUEvictsOldestBeyondCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Vendor"))
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 2)
	macs := []string{"AA:AA:AA:AA:AA:01", "AA:AA:AA:AA:AA:02", "AA:AA:AA:AA:AA:03"}
	for _, m := range macs {
		if _, err := l.VendorOf(context.Background(), m); err != nil {
			t.Fatalf("VendorOf(%s): %v", m, err)
		}
	}

	if _, ok := l.get(Key(macs[0])); ok {
		t.Error("expected the oldest entry to have been evicted once capacity was exceeded")
	}
	if _, ok := l.get(Key(macs[2])); !ok {
		t.Error("expected the most recently inserted entry to remain cached")
	}
}

func TestGateSerializesOutboundCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Vendor"))
	}))
	defer srv.Close()

	l := New(srv.URL, time.Hour, 10)
	start := time.Now()
	if _, err := l.VendorOf(context.Background(), "AA:AA:AA:AA:AA:01"); err != nil {
		t.Fatalf("VendorOf: %v", err)
	}
	if _, err := l.VendorOf(context.Background(), "AA:AA:AA:AA:AA:02"); err != nil {
		t.Fatalf("VendorOf: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected the second distinct lookup to be gated by ~1s, elapsed %v", elapsed)
	}
}
