package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

type fakeStore struct {
	logs    []*LogEntry
	reports map[string]*Report
	next    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{reports: make(map[string]*Report)}
}

func (f *fakeStore) AppendLog(ctx context.Context, e *LogEntry) error {
	f.next++
	e.ID = string(rune('a' + f.next))
	f.logs = append(f.logs, e)
	return nil
}

func (f *fakeStore) CreateReport(ctx context.Context, r *Report) error {
	f.next++
	r.ID = string(rune('A' + f.next))
	f.reports[r.ID] = r
	return nil
}

func (f *fakeStore) GetReport(ctx context.Context, id string) (*Report, error) {
	r, ok := f.reports[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ResolveReport(ctx context.Context, id, resolvedBy string, status ReportStatus, resolvedAt time.Time) error {
	r := f.reports[id]
	r.Status = status
	r.ResolvedBy = resolvedBy
	r.ResolvedAt = &resolvedAt
	return nil
}

func TestLogRejectsUnknownAction(t *testing.T) {
	s := New(newFakeStore())
	err := s.Log(context.Background(), "mod1", Action("unknown"), "article", "a1", "")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLogAppendsKnownAction(t *testing.T) {
	store := newFakeStore()
	s := New(store)
	err := s.Log(context.Background(), "mod1", ActionBan, "user", "u1", "spam")
	require.NoError(t, err)
	require.Len(t, store.logs, 1)
	require.Equal(t, ActionBan, store.logs[0].Action)
}

func TestResolveReportOnlyFromOpen(t *testing.T) {
	store := newFakeStore()
	s := New(store)

	r, err := s.FileReport(context.Background(), "user1", "article", "a1", "spam")
	require.NoError(t, err)

	require.NoError(t, s.ResolveReport(context.Background(), r.ID, "mod1"))
	require.Equal(t, ReportResolved, store.reports[r.ID].Status)
	require.Equal(t, "mod1", store.reports[r.ID].ResolvedBy)
	require.NotNil(t, store.reports[r.ID].ResolvedAt)

	err = s.ResolveReport(context.Background(), r.ID, "mod1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestDismissUnknownReportIsNotFound(t *testing.T) {
	s := New(newFakeStore())
	err := s.DismissReport(context.Background(), "missing", "mod1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}
