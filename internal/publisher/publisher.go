// Package publisher builds outbound ActivityPub activities from Baudrate's
// local Article, Comment, Board, and User models.
package publisher

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
)

// Article is the subset of article fields needed to build AP objects.
type Article struct {
	APID            string
	Slug            string
	BoardAPID       string
	AuthorAPID      string
	Title           string
	ContentMarkdown string
	ContentHTML     string
	Pinned          bool
	Locked          bool
	CommentCount    int
	LikeCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	RepliesURL      string
}

const summaryMaxLen = 500

var (
	codeBlockRE = regexp.MustCompile("(?s)```.*?```")
	hashtagRE   = regexp.MustCompile(`#(\w+)`)
	markdownRE  = regexp.MustCompile(`[*_` + "`" + `#>\[\]()]`)
)

// toNote converts a local article to its Note (Article-typed) AP representation.
func toNote(a Article, to, cc []string) *apmodel.Note {
	return &apmodel.Note{
		Context:      apmodel.DefaultContext,
		ID:           a.APID,
		Type:         "Article",
		AttributedTo: a.AuthorAPID,
		Name:         a.Title,
		Content:      a.ContentHTML,
		Source:       &apmodel.Source{Content: a.ContentMarkdown, MediaType: "text/markdown"},
		Summary:      Summarize(a.ContentMarkdown),
		Published:    a.CreatedAt.UTC().Format(time.RFC3339),
		Updated:      a.UpdatedAt.UTC().Format(time.RFC3339),
		To:           to,
		CC:           cc,
		Tag:          Hashtags(a.ContentMarkdown),
		Replies:      a.RepliesURL,
		Pinned:       a.Pinned,
		Locked:       a.Locked,
		CommentCount: a.CommentCount,
		LikeCount:    a.LikeCount,
	}
}

// BuildCreate builds a Create activity wrapping the given article.
func BuildCreate(actorID string, a Article, to, cc []string) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        a.APID + "/activity",
		Type:      "Create",
		Actor:     actorID,
		Object:    toNote(a, to, cc),
		To:        to,
		CC:        cc,
		Published: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// BuildUpdate builds an Update activity, used after edits or key rotation
// (when object is an Actor instead of a Note).
func BuildUpdate(actorID string, object interface{}, to, cc []string) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/update/%d", actorID, time.Now().UnixNano()),
		Type:      "Update",
		Actor:     actorID,
		Object:    object,
		To:        to,
		CC:        cc,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildDelete builds a Delete activity; object is Tombstoned by id only, per
// the AP convention of not re-sending deleted content.
func BuildDelete(actorID, objectID string, to, cc []string) *apmodel.Activity {
	return &apmodel.Activity{
		Context: apmodel.DefaultContext,
		ID:      objectID + "/delete",
		Type:    "Delete",
		Actor:   actorID,
		Object: map[string]string{
			"id":   objectID,
			"type": "Tombstone",
		},
		To:        to,
		CC:        cc,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildFollow builds a Follow activity from actorID targeting objectID.
func BuildFollow(actorID, objectID string) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/follows/%d", actorID, time.Now().UnixNano()),
		Type:      "Follow",
		Actor:     actorID,
		Object:    objectID,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildAccept wraps followActivity (as received) in an Accept from actorID.
func BuildAccept(actorID string, followActivity interface{}) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/accepts/%d", actorID, time.Now().UnixNano()),
		Type:      "Accept",
		Actor:     actorID,
		Object:    followActivity,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildReject wraps followActivity in a Reject from actorID.
func BuildReject(actorID string, followActivity interface{}) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/rejects/%d", actorID, time.Now().UnixNano()),
		Type:      "Reject",
		Actor:     actorID,
		Object:    followActivity,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildUndo wraps a previously sent activity (Follow, Like, Announce) in an
// Undo from actorID.
func BuildUndo(actorID string, original interface{}) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/undos/%d", actorID, time.Now().UnixNano()),
		Type:      "Undo",
		Actor:     actorID,
		Object:    original,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// BuildAnnounce builds an Announce (boost) activity of objectID by actorID.
func BuildAnnounce(actorID, objectID string, to, cc []string) *apmodel.Activity {
	return &apmodel.Activity{
		Context:   apmodel.DefaultContext,
		ID:        fmt.Sprintf("%s/announces/%d", actorID, time.Now().UnixNano()),
		Type:      "Announce",
		Actor:     actorID,
		Object:    objectID,
		To:        to,
		CC:        cc,
		Published: time.Now().UTC().Format(time.RFC3339),
	}
}

// Summarize strips code blocks and Markdown punctuation, then truncates to
// summaryMaxLen runes, matching the plain-text excerpt remote timelines show.
func Summarize(markdown string) string {
	stripped := codeBlockRE.ReplaceAllString(markdown, "")
	stripped = markdownRE.ReplaceAllString(stripped, "")
	stripped = strings.Join(strings.Fields(stripped), " ")

	runes := []rune(stripped)
	if len(runes) <= summaryMaxLen {
		return stripped
	}
	return string(runes[:summaryMaxLen]) + "…"
}

// Hashtags extracts #tag occurrences from markdown, excluding anything
// inside fenced code blocks.
func Hashtags(markdown string) []apmodel.Hashtag {
	withoutCode := codeBlockRE.ReplaceAllString(markdown, "")
	matches := hashtagRE.FindAllStringSubmatch(withoutCode, -1)

	seen := make(map[string]bool)
	var tags []apmodel.Hashtag
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		tags = append(tags, apmodel.Hashtag{
			Type: "Hashtag",
			Href: "/tags/" + name,
			Name: "#" + name,
		})
	}
	return tags
}
