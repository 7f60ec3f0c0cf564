package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>" + string(make([]byte, 600)) + "add to cart</body></html>"))
	}))
	defer srv.Close()

	f := New(10*time.Millisecond, 5*time.Second)
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.HTTPStatus != 200 {
		t.Errorf("status: got %d, want 200", res.HTTPStatus)
	}
	if len(res.RawBody) == 0 {
		t.Error("expected a non-empty body")
	}
	if res.BodyHash == "" {
		t.Error("expected a computed body hash")
	}
}

func TestFetchClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(10*time.Millisecond, 5*time.Second)
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.ErrorKind != ErrServerError {
		t.Errorf("error kind: got %q, want server_error", res.ErrorKind)
	}
}

func TestFetchDetectsBlockedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Checking your browser before accessing this site."))
	}))
	defer srv.Close()

	f := New(10*time.Millisecond, 5*time.Second)
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.ErrorKind != ErrBlocked {
		t.Errorf("error kind: got %q, want blocked", res.ErrorKind)
	}
}

func TestPolitenessEnforcesMinDelayForSameHost(t *testing.T) {
	p := NewPoliteness(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx, "h1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	p.Done("h1")

	if err := p.Wait(ctx, "h1"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	elapsed := time.Since(start)
	p.Done("h1")

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected at least 50ms between dispatches to the same host, got %v", elapsed)
	}
}

func TestPolitenessSerializesSameHostInFlight(t *testing.T) {
	p := NewPoliteness(time.Millisecond)
	ctx := context.Background()

	if err := p.Wait(ctx, "h2"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait(ctx, "h2")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Wait should not return while the first is still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	p.Done("h2")
	<-done
	p.Done("h2")
}
