package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestNewUpstreamClientUsesTimeout(t *testing.T) {
	client := NewUpstreamClient(45*time.Second, nil)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(0, nil).Timeout != 30*time.Second {
		t.Fatalf("zero timeout should fall back to 30s")
	}
}

func TestSiteFetcherResolveKeepsUpstreamPrefix(t *testing.T) {
	base, _ := url.Parse("https://user.github.io/site/")
	f := NewSiteFetcher(http.DefaultClient, base)

	cases := map[string]string{
		"/":               "https://user.github.io/site/",
		"/img/a.png?w=10": "https://user.github.io/site/img/a.png?w=10",
		"/docs/":          "https://user.github.io/site/docs/",
	}
	for raw, want := range cases {
		u, _ := url.Parse(raw)
		if got := f.Resolve(u).String(); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSiteFetcherFetchesFromUpstream(t *testing.T) {
	var gotPath, gotCustom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotCustom = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL + "/site/")
	f := NewSiteFetcher(NewUpstreamClient(time.Second, nil), base)

	req := httptest.NewRequest(http.MethodGet, "http://pages.local/notes.txt?x=1", nil)
	req.Header.Set("X-Custom", "kept")
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	body, _ := resp.Body()
	data, _ := io.ReadAll(body)
	body.Close()

	if gotPath != "/site/notes.txt?x=1" {
		t.Fatalf("unexpected upstream path %s", gotPath)
	}
	if gotCustom != "kept" {
		t.Fatalf("end-to-end request headers should be forwarded")
	}
	if string(data) != "from upstream" || resp.Source != SourceNetwork {
		t.Fatalf("unexpected response %q source=%s", data, resp.Source)
	}
}

func TestFetchWrapsTransportErrors(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base, _ := url.Parse(upstream.URL)
	upstream.Close()

	f := NewSiteFetcher(NewUpstreamClient(time.Second, nil), base)
	req := httptest.NewRequest(http.MethodGet, "http://pages.local/", nil)
	if _, err := f.Fetch(context.Background(), req); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestSiteFetcherLoadRejectsErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.html" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "<html>shell</html>")
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	f := NewSiteFetcher(NewUpstreamClient(time.Second, nil), base)

	snapshot, err := f.Load(context.Background(), "/")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if snapshot.Key != "/" || string(snapshot.Body) != "<html>shell</html>" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if _, err := f.Load(context.Background(), "/index.html"); err == nil {
		t.Fatalf("404 shell asset should fail the load")
	}
}

func TestSiteFetcherIgnoresRequestHost(t *testing.T) {
	var siteHits, otherHits int
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteHits++
	}))
	defer site.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otherHits++
	}))
	defer other.Close()

	upstream, _ := url.Parse(site.URL)
	f := NewSiteFetcher(NewUpstreamClient(time.Second, nil), upstream)
	req := httptest.NewRequest(http.MethodGet, other.URL+"/widget.js", nil)
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Close()
	if siteHits != 1 || otherHits != 0 {
		t.Fatalf("expected only the site upstream to be hit, site=%d other=%d", siteHits, otherHits)
	}
}
