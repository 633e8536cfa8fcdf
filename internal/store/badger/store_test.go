package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevault/acquire/internal/engine"
)

func TestStoreSaveAndScan(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveCrawlResult(ctx, engine.CrawlResult{URL: "https://a.example/", Title: "A"}, "sess-1"))
	require.NoError(t, s.SaveCrawlResult(ctx, engine.CrawlResult{URL: "https://b.example/", Title: "B"}, "sess-1"))
	require.NoError(t, s.SaveCrawlResult(ctx, engine.CrawlResult{URL: "https://c.example/", Title: "C"}, "sess-2"))

	rows, err := s.Results("sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	other, err := s.Results("sess-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "C", other[0].Title)

	none, err := s.Results("missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStoreUpsertsByURL(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveCrawlResult(ctx, engine.CrawlResult{URL: "https://a.example/", Title: "old"}, "sess"))
	require.NoError(t, s.SaveCrawlResult(ctx, engine.CrawlResult{URL: "https://a.example/", Title: "new"}, "sess"))

	rows, err := s.Results("sess")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "new", rows[0].Title)
}

func TestStoreRequiresURL(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.SaveCrawlResult(context.Background(), engine.CrawlResult{}, "sess")
	require.Error(t, err)
}
