// Package moderation implements the append-only ModerationLog and the
// Report lifecycle: actions are a closed enum, and a Report may
// only transition open → {resolved, dismissed}.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

// Action is the closed enum of loggable moderator actions.
type Action string

const (
	ActionBan            Action = "ban"
	ActionUnban          Action = "unban"
	ActionRoleChange     Action = "role_change"
	ActionApprove        Action = "approve"
	ActionResolveReport  Action = "resolve_report"
	ActionDismissReport  Action = "dismiss_report"
	ActionDeleteArticle  Action = "delete_article"
	ActionDeleteComment  Action = "delete_comment"
	ActionLockBoard      Action = "lock_board"
	ActionUnlockBoard    Action = "unlock_board"
	ActionRotateKeys     Action = "rotate_keys"
)

var validActions = map[Action]bool{
	ActionBan: true, ActionUnban: true, ActionRoleChange: true, ActionApprove: true,
	ActionResolveReport: true, ActionDismissReport: true, ActionDeleteArticle: true,
	ActionDeleteComment: true, ActionLockBoard: true, ActionUnlockBoard: true,
	ActionRotateKeys: true,
}

// LogEntry is one append-only ModerationLog row.
type LogEntry struct {
	ID         string
	ActorID    string // the moderator/admin performing the action
	Action     Action
	TargetType string
	TargetID   string
	Reason     string
	CreatedAt  time.Time
}

// ReportStatus is a Report's lifecycle state.
type ReportStatus string

const (
	ReportOpen      ReportStatus = "open"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

// Report is a user-submitted flag against an article/comment/user.
type Report struct {
	ID          string
	ReporterID  string
	TargetType  string
	TargetID    string
	Reason      string
	Status      ReportStatus
	ResolvedBy  string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// Store is the persistence boundary.
type Store interface {
	AppendLog(ctx context.Context, e *LogEntry) error

	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ResolveReport(ctx context.Context, id, resolvedBy string, status ReportStatus, resolvedAt time.Time) error
}

// Service implements moderation logging and report resolution.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Log appends a moderation action. Unknown actions are rejected: the enum
// is closed.
func (s *Service) Log(ctx context.Context, actorID string, action Action, targetType, targetID, reason string) error {
	if !validActions[action] {
		return apperr.New(apperr.KindValidation, "unknown moderation action")
	}
	e := &LogEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendLog(ctx, e); err != nil {
		return fmt.Errorf("moderation: append log: %w", err)
	}
	return nil
}

// FileReport creates a new open Report.
func (s *Service) FileReport(ctx context.Context, reporterID, targetType, targetID, reason string) (*Report, error) {
	r := &Report{
		ReporterID: reporterID,
		TargetType: targetType,
		TargetID:   targetID,
		Reason:     reason,
		Status:     ReportOpen,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, fmt.Errorf("moderation: create report: %w", err)
	}
	return r, nil
}

// ResolveReport transitions an open Report to resolved, stamping
// resolved_by/resolved_at, and appends the matching log entry.
func (s *Service) ResolveReport(ctx context.Context, id, resolvedBy string) error {
	return s.transitionReport(ctx, id, resolvedBy, ReportResolved, ActionResolveReport)
}

// DismissReport transitions an open Report to dismissed.
func (s *Service) DismissReport(ctx context.Context, id, resolvedBy string) error {
	return s.transitionReport(ctx, id, resolvedBy, ReportDismissed, ActionDismissReport)
}

func (s *Service) transitionReport(ctx context.Context, id, resolvedBy string, status ReportStatus, action Action) error {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return apperr.New(apperr.KindNotFound, "report not found")
	}
	if r.Status != ReportOpen {
		return apperr.New(apperr.KindConflict, "report is not open")
	}
	now := time.Now()
	if err := s.store.ResolveReport(ctx, id, resolvedBy, status, now); err != nil {
		return fmt.Errorf("moderation: resolve report: %w", err)
	}
	return s.Log(ctx, resolvedBy, action, r.TargetType, r.TargetID, "")
}
