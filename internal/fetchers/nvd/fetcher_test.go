package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vulnwatch/jvulnsync/internal/config"
)

func testWindow() Window {
	return Window{
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestClient(baseURL string) *Client {
	c := New(config.NVDConfig{
		BaseURL:       baseURL,
		MaxWindowDays: 120,
		ThrottleWait:  30 * time.Second,
		MaxRetries:    2,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func writePage(w http.ResponseWriter, startIndex, perPage, total int, cpeNames ...string) {
	page := productsResponse{
		ResultsPerPage: perPage,
		StartIndex:     startIndex,
		TotalResults:   total,
	}
	for _, name := range cpeNames {
		page.Products = append(page.Products, productEntry{
			CPE: cpeItem{
				CPEName:      name,
				LastModified: "2023-01-15T10:00:00.000",
				Titles:       []cpeTitle{{Title: "Test Product", Lang: "en"}},
			},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		panic(err)
	}
}

func TestWindows(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	span := 120 * 24 * time.Hour

	t.Run("single window when span covers range", func(t *testing.T) {
		end := start.Add(30 * 24 * time.Hour)
		windows := Windows(start, end, span)
		if len(windows) != 1 {
			t.Fatalf("expected 1 window, got %d", len(windows))
		}
		if !windows[0].Start.Equal(start) || !windows[0].End.Equal(end) {
			t.Errorf("unexpected window %s", windows[0])
		}
	})

	t.Run("long range is clipped into sub-windows", func(t *testing.T) {
		end := start.Add(300 * 24 * time.Hour)
		windows := Windows(start, end, span)
		if len(windows) != 3 {
			t.Fatalf("expected 3 windows, got %d", len(windows))
		}
		for i, w := range windows {
			if w.End.Sub(w.Start) > span {
				t.Errorf("window %d exceeds max span: %s", i, w)
			}
		}
		if !windows[0].Start.Equal(start) {
			t.Errorf("first window does not start at start: %s", windows[0])
		}
		if !windows[2].End.Equal(end) {
			t.Errorf("last window does not end at end: %s", windows[2])
		}
		for i := 1; i < len(windows); i++ {
			if !windows[i].Start.Equal(windows[i-1].End) {
				t.Errorf("gap between window %d and %d", i-1, i)
			}
		}
	})

	t.Run("empty range yields no windows", func(t *testing.T) {
		if windows := Windows(start, start, span); windows != nil {
			t.Errorf("expected nil, got %v", windows)
		}
		if windows := Windows(start, start.Add(-time.Hour), span); windows != nil {
			t.Errorf("expected nil for inverted range, got %v", windows)
		}
	})
}

func TestFetchFollowsPagination(t *testing.T) {
	var requests []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Query().Get("startIndex"))

		switch r.URL.Query().Get("startIndex") {
		case "0":
			writePage(w, 0, 2, 3,
				"cpe:2.3:a:apache:tomcat:9.0.1:*:*:*:*:*:*:*",
				"cpe:2.3:a:vmware:spring_framework:5.3.18:*:*:*:*:*:*:*")
		case "2":
			writePage(w, 2, 2, 3,
				"cpe:2.3:a:eclipse:jetty:9.4.0:*:*:*:*:*:*:*")
		default:
			t.Errorf("unexpected startIndex %s", r.URL.Query().Get("startIndex"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	findings, err := client.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 page requests, got %d (%v)", len(requests), requests)
	}
	if findings[0].CPEName != "cpe:2.3:a:apache:tomcat:9.0.1:*:*:*:*:*:*:*" {
		t.Errorf("unexpected first finding: %s", findings[0].CPEName)
	}
	if len(findings[0].Titles) != 1 || findings[0].Titles[0] != "Test Product" {
		t.Errorf("titles not carried over: %v", findings[0].Titles)
	}
}

func TestFetchSendsWindowAndAPIKey(t *testing.T) {
	var gotStart, gotEnd, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("lastModStartDate")
		gotEnd = r.URL.Query().Get("lastModEndDate")
		gotKey = r.Header.Get("apiKey")
		writePage(w, 0, 0, 0)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.apiKey = "test-key"

	if _, err := client.Fetch(context.Background(), testWindow()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if gotStart != "2023-01-01T00:00:00.000Z" {
		t.Errorf("lastModStartDate: got %q", gotStart)
	}
	if gotEnd != "2023-02-01T00:00:00.000Z" {
		t.Errorf("lastModEndDate: got %q", gotEnd)
	}
	if gotKey != "test-key" {
		t.Errorf("apiKey header: got %q", gotKey)
	}
}

func TestFetchDefersOnThrottle(t *testing.T) {
	var attempts int
	var slept []time.Duration

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writePage(w, 0, 1, 1, "cpe:2.3:a:apache:tomcat:9.0.1:*:*:*:*:*:*:*")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	findings, err := client.Fetch(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	// Two throttle responses, two deferrals at the configured wait.
	throttleSleeps := 0
	for _, d := range slept {
		if d == client.throttleWait {
			throttleSleeps++
		}
	}
	if throttleSleeps != 2 {
		t.Errorf("expected 2 throttle waits, got %d (%v)", throttleSleeps, slept)
	}
}

func TestFetchPermanentError(t *testing.T) {
	var attempts int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "no such endpoint")
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	_, err := client.Fetch(context.Background(), testWindow())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if permanent.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want %d", permanent.StatusCode, http.StatusNotFound)
	}
	if attempts != 1 {
		t.Errorf("permanent error must not be retried, got %d attempts", attempts)
	}
}

func TestPaceEnforcesMinimumDelay(t *testing.T) {
	client := New(config.NVDConfig{
		BaseURL:      "http://unused",
		RequestDelay: 100 * time.Millisecond,
	})

	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	var slept []time.Duration
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	client.pace()
	if len(slept) != 0 {
		t.Fatalf("first request must not be delayed, slept %v", slept)
	}

	// Second request immediately after: the full delay applies.
	client.pace()
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Fatalf("expected one 100ms sleep, got %v", slept)
	}

	// Third request after 60ms of wall time: only the remainder applies.
	now = now.Add(60 * time.Millisecond)
	client.pace()
	if len(slept) != 2 || slept[1] != 40*time.Millisecond {
		t.Fatalf("expected 40ms remainder sleep, got %v", slept)
	}
}
