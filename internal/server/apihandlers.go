package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/auth"
	"github.com/hiroshiyui/baudrate-sub002/internal/delivery"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
	"github.com/hiroshiyui/baudrate-sub002/internal/publisher"
	"github.com/hiroshiyui/baudrate-sub002/internal/store"
)

// requireRole authenticates the session cookie and checks the user's role
// against the allowed set.
func (s *Server) requireRole(r *http.Request, roles ...auth.Role) (*auth.Credentials, error) {
	sess, err := s.currentSession(r)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.GetCredentialsByID(r.Context(), sess.UserID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, auth.ErrSessionNotFound
	}
	if creds.Status == auth.StatusBanned {
		return nil, auth.ErrUserBanned
	}
	for _, role := range roles {
		if creds.Role == role {
			return creds, nil
		}
	}
	return nil, apperr.New(apperr.KindUnauthorized, "insufficient role")
}

// ─── Feed ─────────────────────────────────────────────────────────────────────

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	page := pageParam(r)
	if page < 1 {
		page = 1
	}
	result, err := s.feedMat.ListFeed(r.Context(), sess.UserID, page, 20)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"items": result.Items,
		"total": result.Total,
	}, http.StatusOK)
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if _, err := s.currentSession(r); err != nil {
		writeError(w, err)
		return
	}
	if err := s.notifier.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleNotificationsReadAll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.notifier.MarkAllRead(r.Context(), sess.UserID); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// ─── Web Push subscriptions ───────────────────────────────────────────────────

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
		P256dh   string `json:"p256dh"`
		Auth     string `json:"auth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.P256dh == "" || req.Auth == "" {
		writeError(w, apperr.New(apperr.KindValidation, "endpoint must be https and keys must be present"))
		return
	}

	id, err := s.store.CreateSubscription(r.Context(), sess.UserID, req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		writeError(w, err)
		return
	}

	pubKey, err := s.push.EnsureVAPIDKeyPair(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": id, "vapid_public_key": pubKey}, http.StatusCreated)
}

// ─── Reports & moderation ─────────────────────────────────────────────────────

func (s *Server) handleFileReport(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		TargetType string `json:"target_type"`
		TargetID   string `json:"target_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}

	report, err := s.moderation.FileReport(r.Context(), sess.UserID, req.TargetType, req.TargetID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"id": report.ID}, http.StatusCreated)
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	creds, err := s.requireRole(r, auth.RoleAdmin, auth.RoleModerator)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.moderation.ResolveReport(r.Context(), chi.URLParam(r, "id"), creds.ID); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "resolved"}, http.StatusOK)
}

func (s *Server) handleDismissReport(w http.ResponseWriter, r *http.Request) {
	creds, err := s.requireRole(r, auth.RoleAdmin, auth.RoleModerator)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.moderation.DismissReport(r.Context(), chi.URLParam(r, "id"), creds.ID); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "dismissed"}, http.StatusOK)
}

// handleApproveBoardFollow is the manual-approval path for boards with
// ap_accept_policy=followers_only: a moderator approves the pending follow,
// and the board emits the Accept the remote side is waiting on.
func (s *Server) handleApproveBoardFollow(w http.ResponseWriter, r *http.Request) {
	creds, err := s.requireRole(r, auth.RoleAdmin, auth.RoleModerator)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		FollowAPID string `json:"follow_ap_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}

	bf, err := s.store.GetBoardFollowByAPID(r.Context(), req.FollowAPID)
	if err != nil {
		writeError(w, err)
		return
	}
	if bf == nil {
		notFound(w)
		return
	}
	board, err := s.store.GetBoardByID(r.Context(), bf.TargetBoardID)
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		notFound(w)
		return
	}

	if err := s.follows.ApproveBoardFollow(r.Context(), req.FollowAPID); err != nil {
		writeError(w, err)
		return
	}

	follower, err := s.resolver.Resolve(r.Context(), bf.FollowerAPID)
	if err != nil {
		writeError(w, err)
		return
	}

	accept := publisher.BuildAccept(board.APID, map[string]string{
		"id":     bf.APID,
		"type":   "Follow",
		"actor":  bf.FollowerAPID,
		"object": board.APID,
	})
	payload, err := json.Marshal(accept)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deliveryQ.Enqueue(r.Context(), accept.ID, payload, keystore.EntityBoard, board.ID, []string{follower.Inbox}); err != nil {
		writeError(w, err)
		return
	}

	if err := s.moderation.Log(r.Context(), creds.ID, "approve", "board_follow", bf.ID, ""); err != nil {
		s.log.Warn("approve board follow: moderation log failed", "error", err)
	}
	jsonResponse(w, map[string]string{"status": "accepted"}, http.StatusOK)
}

// ─── Local article creation ───────────────────────────────────────────────────

// slugify reduces a title to the board-slug character set, suffixed with a
// short unique fragment so repeated titles never collide on articles.slug.
func slugify(title, uniq string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	if slug == "" {
		return uniq
	}
	return slug + "-" + uniq
}

func (s *Server) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	sess, err := s.currentSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := s.store.GetUserProfileByID(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		writeError(w, auth.ErrSessionNotFound)
		return
	}

	var req struct {
		BoardSlug       string `json:"board_slug"`
		Title           string `json:"title"`
		ContentMarkdown string `json:"content_markdown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid json body"))
		return
	}
	if req.Title == "" || req.ContentMarkdown == "" || req.BoardSlug == "" {
		writeError(w, apperr.New(apperr.KindValidation, "board_slug, title and content_markdown are required"))
		return
	}

	board, err := s.store.GetBoardBySlug(r.Context(), req.BoardSlug)
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		notFound(w)
		return
	}
	if board.Locked {
		writeError(w, apperr.New(apperr.KindUnauthorized, "board is locked"))
		return
	}

	slug := slugify(req.Title, newRequestID())
	apID := s.cfg.ActorURI("articles", slug)
	// The Markdown renderer plugs in at the UI layer; the stored HTML is the
	// escaped source so remote instances always receive well-formed content
	// alongside the Markdown original.
	contentHTML := "<p>" + html.EscapeString(req.ContentMarkdown) + "</p>"

	article := &store.Article{
		Slug:            slug,
		APID:            apID,
		BoardID:         board.ID,
		AuthorID:        sess.UserID,
		Title:           req.Title,
		ContentMarkdown: req.ContentMarkdown,
		ContentHTML:     contentHTML,
		Summary:         publisher.Summarize(req.ContentMarkdown),
	}
	if _, err := s.store.CreateLocalArticle(r.Context(), article, nil); err != nil {
		writeError(w, err)
		return
	}

	if s.cfg.APFederationEnabled && board.APEnabled && !board.Private {
		if err := s.federateArticleCreate(r, profile, board, article); err != nil {
			// Federation enqueue failure is invisible to the author; the
			// article itself was created.
			s.log.Error("federate article create failed", "slug", slug, "error", err)
		}
	}

	jsonResponse(w, map[string]string{"slug": slug, "ap_id": apID}, http.StatusCreated)
}

// federateArticleCreate builds the Create(Article) activity and enqueues one
// delivery per distinct follower inbox, collapsing to sharedInbox per domain.
func (s *Server) federateArticleCreate(r *http.Request, profile *store.UserProfile, board *store.Board, article *store.Article) error {
	actorURI := s.cfg.ActorURI("users", profile.Username)
	now := time.Now()
	activity := publisher.BuildCreate(actorURI, publisher.Article{
		APID:            article.APID,
		Slug:            article.Slug,
		BoardAPID:       board.APID,
		AuthorAPID:      actorURI,
		Title:           article.Title,
		ContentMarkdown: article.ContentMarkdown,
		ContentHTML:     article.ContentHTML,
		CreatedAt:       now,
		UpdatedAt:       now,
		RepliesURL:      s.cfg.ActorURI("articles", article.Slug) + "/replies",
	}, []string{apmodel.PublicURI}, []string{board.APID})

	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal create activity: %w", err)
	}

	recipients, err := s.boardFollowerRecipients(r, board.ID)
	if err != nil {
		return err
	}
	inboxes := delivery.FanOut(recipients, nil)
	if len(inboxes) == 0 {
		return nil
	}
	return s.deliveryQ.Enqueue(r.Context(), activity.ID, payload, keystore.EntityUser, profile.ID, inboxes)
}

// boardFollowerRecipients resolves every accepted board follower to its
// inbox/sharedInbox pair, walking the follower collection page by page.
func (s *Server) boardFollowerRecipients(r *http.Request, boardID string) ([]delivery.Recipient, error) {
	var recipients []delivery.Recipient
	for page := 1; ; page++ {
		uris, _, err := s.store.ListBoardFollowers(r.Context(), boardID, page)
		if err != nil {
			return nil, err
		}
		if len(uris) == 0 {
			break
		}
		for _, uri := range uris {
			actor, err := s.resolver.Resolve(r.Context(), uri)
			if err != nil {
				s.log.Warn("skip unresolvable follower", "actor", uri, "error", err)
				continue
			}
			recipients = append(recipients, delivery.Recipient{Inbox: actor.Inbox, SharedInbox: actor.SharedInbox})
		}
		if len(uris) < store.FollowPageSize() {
			break
		}
	}
	return recipients, nil
}
