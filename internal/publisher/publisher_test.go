package publisher

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
)

func TestSummarizeStripsCodeAndTruncates(t *testing.T) {
	md := "Hello **world**, check ```go\nfmt.Println(1)\n``` out!"
	got := Summarize(md)
	require.NotContains(t, got, "```")
	require.NotContains(t, got, "fmt.Println")
	require.NotContains(t, got, "**")

	long := strings.Repeat("word ", 200)
	truncated := Summarize(long)
	require.LessOrEqual(t, len([]rune(truncated)), summaryMaxLen+1)
}

func TestHashtagsExcludesCodeBlocks(t *testing.T) {
	md := "Talking about #golang today.\n```\n#notahashtag\n```\nAlso #Golang again."
	tags := Hashtags(md)
	require.Len(t, tags, 1)
	require.Equal(t, "#golang", tags[0].Name)
}

func TestBuildCreateWrapsNote(t *testing.T) {
	a := Article{
		APID:       "https://example.com/ap/articles/1",
		AuthorAPID: "https://example.com/ap/users/alice",
		Title:      "Hi",
		ContentHTML: "<p>Hi</p>",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	act := BuildCreate("https://example.com/ap/users/alice", a, []string{"https://www.w3.org/ns/activitystreams#Public"}, nil)
	require.Equal(t, "Create", act.Type)
	note, ok := act.Object.(*apmodel.Note)
	require.True(t, ok)
	require.Equal(t, a.APID, note.ID)
}
