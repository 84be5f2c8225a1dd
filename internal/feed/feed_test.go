package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticSource struct {
	items []Item
	total int
}

func (s staticSource) Fetch(ctx context.Context, userID string, limit, offset int) ([]Item, int, error) {
	end := limit
	if end > len(s.items) {
		end = len(s.items)
	}
	return s.items[:end], s.total, nil
}

func at(seconds int) time.Time {
	return time.Unix(int64(seconds), 0)
}

func TestListFeedMergesAndSortsDescending(t *testing.T) {
	feedItems := staticSource{
		items: []Item{{Kind: KindFeedItem, ID: "f1", SortedAt: at(300)}},
		total: 1,
	}
	articles := staticSource{
		items: []Item{
			{Kind: KindArticle, ID: "a1", SortedAt: at(500)},
			{Kind: KindArticle, ID: "a2", SortedAt: at(100)},
		},
		total: 2,
	}
	comments := staticSource{
		items: []Item{{Kind: KindComment, ID: "c1", SortedAt: at(400)}},
		total: 1,
	}

	m := New(feedItems, articles, comments, nil)
	page, err := m.ListFeed(context.Background(), "user1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 4)
	require.Equal(t, "a1", page.Items[0].ID)
	require.Equal(t, "c1", page.Items[1].ID)
	require.Equal(t, "f1", page.Items[2].ID)
	require.Equal(t, "a2", page.Items[3].ID)
}

func TestListFeedEmptyReturnsZeroTotal(t *testing.T) {
	empty := staticSource{}
	m := New(empty, empty, empty, nil)
	page, err := m.ListFeed(context.Background(), "user1", 1, 20)
	require.NoError(t, err)
	require.Equal(t, 0, page.Total)
	require.Empty(t, page.Items)
}

func TestListFeedPaginationDropsOffset(t *testing.T) {
	articles := staticSource{
		items: []Item{
			{Kind: KindArticle, ID: "a1", SortedAt: at(500)},
			{Kind: KindArticle, ID: "a2", SortedAt: at(400)},
			{Kind: KindArticle, ID: "a3", SortedAt: at(300)},
		},
		total: 3,
	}
	empty := staticSource{}
	m := New(empty, articles, empty, nil)

	page, err := m.ListFeed(context.Background(), "user1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "a3", page.Items[0].ID)
}
