package webapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestSolutions_SendsBearerAndDecodesEnvelope(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/data/solutions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"value":[{"solutionid":"s1","uniquename":"base","ismanaged":true,"version":"1.0"}]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, staticToken("tok-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sols, err := c.Solutions(context.Background())
	if err != nil {
		t.Fatalf("Solutions: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if len(sols) != 1 || sols[0].UniqueName != "base" || !sols[0].IsManaged {
		t.Fatalf("solutions = %+v", sols)
	}
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	if _, err := c.Solutions(context.Background()); err != nil {
		t.Fatalf("Solutions after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestGetJSON_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	if _, err := c.Solutions(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestGetJSON_CancelAbortsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Solutions(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("backoff ignored cancellation, took %v", elapsed)
	}
}

func TestChangeRecords_MapsFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("layerid"); got != "l1" {
			t.Errorf("layerid = %q", got)
		}
		w.Write([]byte(`{"value":[
			{"attributename":"displayname","ischanged":true},
			{"attributename":"description","ischanged":false}
		]}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	flags, err := c.ChangeRecords(context.Background(), "l1")
	if err != nil {
		t.Fatalf("ChangeRecords: %v", err)
	}
	if !flags["displayname"] || flags["description"] {
		t.Fatalf("flags = %v", flags)
	}
}

func TestComponentPayload_UnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload":"{\"name\":\"acct\"}"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	payload, err := c.ComponentPayload(context.Background(), 1, "o1", "s1")
	if err != nil {
		t.Fatalf("ComponentPayload: %v", err)
	}
	if payload != `{"name":"acct"}` {
		t.Fatalf("payload = %q", payload)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, staticToken("t"))
	for i := 0; i < 5; i++ {
		c.Solutions(context.Background())
	}
	// The breaker is open now; calls fail without reaching the server.
	if _, err := c.Solutions(context.Background()); err == nil {
		t.Fatal("expected breaker to reject the call")
	}
}
