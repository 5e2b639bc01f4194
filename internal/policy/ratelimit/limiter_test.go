package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_WaitSpacesSameHost(t *testing.T) {
	l := New(Config{
		DefaultRPS:   10, // one token every 100ms
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://www.google.com/search?q=acme"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://WWW.GOOGLE.COM/search?q=globex"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiter_CanceledContext(t *testing.T) {
	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx, "search"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "search"); err == nil {
		t.Fatal("expected error once the context is canceled")
	}
}

func TestLimiter_DisabledWhenRateIsZero(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := l.Wait(ctx, "https://example.com"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not wait")
	}
}

func TestKey(t *testing.T) {
	cases := map[string]string{
		"https://Example.com/path": "example.com",
		"search":                   "search",
		"":                         "unknown",
	}
	for in, want := range cases {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q; want %q", in, got, want)
		}
	}
}
