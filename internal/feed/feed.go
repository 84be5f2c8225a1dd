// Package feed implements the FeedMaterializer: a three-source
// merge over remote FeedItems, local/followed Articles, and Comment
// threads, fetched, sorted, and trimmed per page.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/pubsub"
)

// ItemKind distinguishes the three source types a merged Item came from.
type ItemKind string

const (
	KindFeedItem ItemKind = "feed_item"
	KindArticle  ItemKind = "article"
	KindComment  ItemKind = "comment"
)

// Item is one row of a materialized feed, already source-normalized.
type Item struct {
	Kind     ItemKind
	ID       string
	SortedAt time.Time
	Payload  interface{} // the underlying FeedItem/Article/Comment record
}

// Source fetches up to limit rows for userID, offset already applied,
// sorted by SortedAt descending, plus the source's total row count.
type Source interface {
	Fetch(ctx context.Context, userID string, limit, offset int) ([]Item, int, error)
}

// Page is list_feed's result.
type Page struct {
	Items []Item
	Total int
}

// Materializer merges FeedSources into one paginated, time-ordered feed.
type Materializer struct {
	feedItems Source
	articles  Source
	comments  Source
	bus       *pubsub.Broadcaster
}

func New(feedItems, articles, comments Source, bus *pubsub.Broadcaster) *Materializer {
	return &Materializer{feedItems: feedItems, articles: articles, comments: comments, bus: bus}
}

// ListFeed materializes one feed page: fetch offset+perPage from
// each source, stable-merge-sort by SortedAt descending, drop offset, take
// perPage. Total is the sum of each source's count, over-counting dedup
// across sources being an accepted simplification of this view.
func (m *Materializer) ListFeed(ctx context.Context, userID string, page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	offset := (page - 1) * perPage
	fetchLimit := offset + perPage

	var all []Item
	total := 0

	for _, src := range []Source{m.feedItems, m.articles, m.comments} {
		if src == nil {
			continue
		}
		items, count, err := src.Fetch(ctx, userID, fetchLimit, 0)
		if err != nil {
			return Page{}, fmt.Errorf("feed: fetch source: %w", err)
		}
		all = append(all, items...)
		total += count
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].SortedAt.After(all[j].SortedAt)
	})

	if offset >= len(all) {
		return Page{Items: []Item{}, Total: total}, nil
	}
	end := offset + perPage
	if end > len(all) {
		end = len(all)
	}
	return Page{Items: all[offset:end], Total: total}, nil
}

// NotifyNewFeedItem broadcasts to a local follower's feed topic after a new
// FeedItem row is created.
func (m *Materializer) NotifyNewFeedItem(followerUserID, feedItemID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(fmt.Sprintf("feed:user:%s", followerUserID), map[string]string{"feed_item_id": feedItemID})
}
