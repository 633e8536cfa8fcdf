package colly

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPageGotoFetchesHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>home</title></head><body>hi</body></html>"))
	}))
	defer srv.Close()

	b, err := New(Config{UserAgent: "test-agent"}, nil)
	require.NoError(t, err)

	pg, err := b.NewPage(context.Background())
	require.NoError(t, err)
	defer pg.Close()

	resp, err := pg.Goto(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.HTML, "<title>home</title>")
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Contains(t, resp.FinalURL, srv.URL)
}

func TestPageGotoPropagatesUserAgent(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.UserAgent()
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	b, err := New(Config{UserAgent: "default-agent"}, nil)
	require.NoError(t, err)

	pg, err := b.NewPage(context.Background())
	require.NoError(t, err)
	defer pg.Close()

	require.NoError(t, pg.SetUserAgent("override-agent"))
	_, err = pg.Goto(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "override-agent", seen)
}

func TestPageGotoReturnsErrorPages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html><body>missing</body></html>"))
	}))
	defer srv.Close()

	b, err := New(Config{UserAgent: "test-agent"}, nil)
	require.NoError(t, err)

	pg, err := b.NewPage(context.Background())
	require.NoError(t, err)
	defer pg.Close()

	resp, err := pg.Goto(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, resp.HTML, "missing")
}
