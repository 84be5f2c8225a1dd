package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/keystore"
	"github.com/hiroshiyui/baudrate-sub002/internal/publisher"
	"github.com/hiroshiyui/baudrate-sub002/internal/store"
)

// ─── Actor documents ──────────────────────────────────────────────────────────

func (s *Server) handleUserActor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	profile, err := s.store.GetUserProfileByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		notFound(w)
		return
	}

	kp, err := s.keys.EnsureKeyPair(r.Context(), keystore.EntityUser, profile.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	actorURL := s.cfg.ActorURI("users", profile.Username)
	actor := &apmodel.Actor{
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: profile.Username,
		Name:              profile.Username,
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Following:         actorURL + "/following",
		PublicKey: &apmodel.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: kp.PublicKeyPEM,
		},
		Endpoints: &apmodel.Endpoints{
			SharedInbox: strings.TrimRight(s.cfg.BaseURL, "/") + "/ap/inbox",
		},
	}
	if profile.AvatarID != "" {
		actor.Icon = &apmodel.Image{Type: "Image", URL: strings.TrimRight(s.cfg.BaseURL, "/") + "/media/avatars/" + profile.AvatarID}
	}
	apResponse(w, apmodel.WithContext(actor))
}

// visibleBoard returns the board for slug, or nil when it must 404: absent,
// private, or not federation-enabled. Private boards return 404 everywhere.
func (s *Server) visibleBoard(ctx context.Context, slug string) (*store.Board, error) {
	board, err := s.store.GetBoardBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if board == nil || board.Private || !board.APEnabled {
		return nil, nil
	}
	return board, nil
}

func (s *Server) handleBoardActor(w http.ResponseWriter, r *http.Request) {
	board, err := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		notFound(w)
		return
	}

	kp, err := s.keys.EnsureKeyPair(r.Context(), keystore.EntityBoard, board.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	subBoards, err := s.store.ListSubBoardAPIDs(r.Context(), board.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	parentURI := ""
	if board.ParentBoardID != "" {
		if parent, err := s.store.GetBoardByID(r.Context(), board.ParentBoardID); err == nil && parent != nil && !parent.Private {
			parentURI = parent.APID
		}
	}

	actorURL := board.APID
	actor := &apmodel.Actor{
		ID:                actorURL,
		Type:              "Group",
		PreferredUsername: board.Slug,
		Name:              board.Name,
		Summary:           board.Description,
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		PublicKey: &apmodel.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: kp.PublicKeyPEM,
		},
		Endpoints: &apmodel.Endpoints{
			SharedInbox: strings.TrimRight(s.cfg.BaseURL, "/") + "/ap/inbox",
		},
		ParentBoard: parentURI,
		SubBoards:   subBoards,
	}
	apResponse(w, apmodel.WithContext(actor))
}

func (s *Server) handleSiteActor(w http.ResponseWriter, r *http.Request) {
	kp, err := s.keys.EnsureKeyPair(r.Context(), keystore.EntitySite, "site")
	if err != nil {
		writeError(w, err)
		return
	}

	actorURL := strings.TrimRight(s.cfg.BaseURL, "/") + "/ap/site"
	actor := &apmodel.Actor{
		ID:                actorURL,
		Type:              "Organization",
		PreferredUsername: "site",
		Name:              s.cfg.SiteName,
		Inbox:             strings.TrimRight(s.cfg.BaseURL, "/") + "/ap/inbox",
		Outbox:            actorURL + "/outbox",
		PublicKey: &apmodel.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: kp.PublicKeyPEM,
		},
	}
	apResponse(w, apmodel.WithContext(actor))
}

// ─── Articles ─────────────────────────────────────────────────────────────────

// noteFromArticle renders a stored article as its AP Article object. Remote
// articles carry no Markdown source, so their summary falls back to
// stripping the stored HTML.
func (s *Server) noteFromArticle(ctx context.Context, a *store.Article) (*apmodel.Note, error) {
	author, err := s.store.ArticleAuthorURI(ctx, a)
	if err != nil {
		return nil, err
	}

	var cc []string
	if board, err := s.store.GetBoardByID(ctx, a.BoardID); err == nil && board != nil && board.APEnabled && !board.Private {
		cc = []string{board.APID}
	}

	summary := a.Summary
	if summary == "" {
		if a.ContentMarkdown != "" {
			summary = publisher.Summarize(a.ContentMarkdown)
		} else {
			summary = publisher.SummarizeHTML(a.ContentHTML)
		}
	}

	note := &apmodel.Note{
		ID:           a.APID,
		Type:         "Article",
		AttributedTo: author,
		Name:         a.Title,
		Content:      a.ContentHTML,
		Summary:      summary,
		Published:    a.CreatedAt.UTC().Format(time.RFC3339),
		Updated:      a.UpdatedAt.UTC().Format(time.RFC3339),
		To:           []string{apmodel.PublicURI},
		CC:           cc,
		Tag:          publisher.Hashtags(a.ContentMarkdown),
		Replies:      s.cfg.ActorURI("articles", a.Slug) + "/replies",
		Pinned:       a.Pinned,
		Locked:       a.Locked,
		CommentCount: a.CommentCount,
		LikeCount:    a.LikeCount,
	}
	if a.ContentMarkdown != "" {
		note.Source = &apmodel.Source{Content: a.ContentMarkdown, MediaType: "text/markdown"}
	}
	return note, nil
}

// visibleArticle returns the article for slug, or nil when it must 404:
// absent, soft-deleted, or homed in a private board.
func (s *Server) visibleArticle(ctx context.Context, slug string) (*store.Article, error) {
	a, err := s.store.GetArticleBySlug(ctx, slug)
	if err != nil || a == nil {
		return nil, err
	}
	board, err := s.store.GetBoardByID(ctx, a.BoardID)
	if err != nil {
		return nil, err
	}
	if board == nil || board.Private {
		return nil, nil
	}
	return a, nil
}

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleArticle(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		notFound(w)
		return
	}
	note, err := s.noteFromArticle(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	apResponse(w, apmodel.WithContext(note))
}

func (s *Server) handleArticleReplies(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleArticle(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		notFound(w)
		return
	}

	comments, err := s.store.ListReplies(r.Context(), a.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	apIDByComment := make(map[string]string, len(comments))
	for _, c := range comments {
		apIDByComment[c.ID] = c.APID
	}

	items := make([]interface{}, 0, len(comments))
	for _, c := range comments {
		author, err := s.store.CommentAuthorURI(r.Context(), c)
		if err != nil {
			writeError(w, err)
			return
		}
		inReplyTo := a.APID
		if parent, ok := apIDByComment[c.ParentCommentID]; ok && parent != "" {
			inReplyTo = parent
		}
		items = append(items, &apmodel.Note{
			ID:           c.APID,
			Type:         "Note",
			AttributedTo: author,
			Content:      c.ContentHTML,
			Published:    c.CreatedAt.UTC().Format(time.RFC3339),
			InReplyTo:    inReplyTo,
			To:           []string{apmodel.PublicURI},
		})
	}

	apResponse(w, apmodel.OrderedCollection{
		Context:      apmodel.DefaultContext,
		ID:           s.cfg.ActorURI("articles", a.Slug) + "/replies",
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

// ─── Collections ──────────────────────────────────────────────────────────────

// writeCollection renders either the OrderedCollection root (page 0: just
// totalItems and a first link) or one OrderedCollectionPage. A page past the
// end yields an empty orderedItems, not an error.
func writeCollection(w http.ResponseWriter, baseID string, page, total, pageSize int, items []interface{}) {
	if page < 1 {
		apResponse(w, apmodel.OrderedCollection{
			Context:    apmodel.DefaultContext,
			ID:         baseID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      baseID + "?page=1",
		})
		return
	}

	if items == nil {
		items = []interface{}{}
	}
	p := apmodel.OrderedCollectionPage{
		Context:      apmodel.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", baseID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       baseID,
		TotalItems:   total,
		OrderedItems: items,
	}
	if page > 1 {
		p.Prev = fmt.Sprintf("%s?page=%d", baseID, page-1)
	}
	if page*pageSize < total {
		p.Next = fmt.Sprintf("%s?page=%d", baseID, page+1)
	}
	apResponse(w, p)
}

func asItems(uris []string) []interface{} {
	items := make([]interface{}, 0, len(uris))
	for _, u := range uris {
		items = append(items, u)
	}
	return items
}

func (s *Server) articleCreateItems(ctx context.Context, articles []*store.Article) ([]interface{}, error) {
	items := make([]interface{}, 0, len(articles))
	for _, a := range articles {
		note, err := s.noteFromArticle(ctx, a)
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]interface{}{
			"id":        a.APID + "/activity",
			"type":      "Create",
			"actor":     note.AttributedTo,
			"published": note.Published,
			"to":        note.To,
			"cc":        note.CC,
			"object":    note,
		})
	}
	return items, nil
}

func (s *Server) handleUserOutbox(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetUserProfileByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		notFound(w)
		return
	}

	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	articles, total, err := s.store.ListArticlesByAuthor(r.Context(), profile.ID, fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.articleCreateItems(r.Context(), articles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, s.cfg.ActorURI("users", profile.Username)+"/outbox", page, total, 20, items)
}

func (s *Server) handleBoardOutbox(w http.ResponseWriter, r *http.Request) {
	board, err := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		notFound(w)
		return
	}

	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	articles, total, err := s.store.ListArticlesByBoard(r.Context(), board.ID, fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.articleCreateItems(r.Context(), articles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, board.APID+"/outbox", page, total, 20, items)
}

func (s *Server) handleUserFollowers(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetUserProfileByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		notFound(w)
		return
	}

	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	uris, total, err := s.store.ListUserFollowers(r.Context(), profile.ID, fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, s.cfg.ActorURI("users", profile.Username)+"/followers", page, total, store.FollowPageSize(), asItems(uris))
}

func (s *Server) handleUserFollowing(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.GetUserProfileByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		notFound(w)
		return
	}

	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	ownURI := s.cfg.ActorURI("users", profile.Username)
	uris, total, err := s.store.ListUserFollowing(r.Context(), profile.ID, ownURI, fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, ownURI+"/following", page, total, store.FollowPageSize(), asItems(uris))
}

func (s *Server) handleBoardFollowers(w http.ResponseWriter, r *http.Request) {
	board, err := s.visibleBoard(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if board == nil {
		notFound(w)
		return
	}

	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	uris, total, err := s.store.ListBoardFollowers(r.Context(), board.ID, fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCollection(w, board.APID+"/followers", page, total, store.FollowPageSize(), asItems(uris))
}

func (s *Server) handleBoardsList(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	fetchPage := page
	if fetchPage < 1 {
		fetchPage = 1
	}
	boards, total, err := s.store.ListPublicAPBoards(r.Context(), fetchPage)
	if err != nil {
		writeError(w, err)
		return
	}
	uris := make([]string, 0, len(boards))
	for _, b := range boards {
		uris = append(uris, b.APID)
	}
	writeCollection(w, strings.TrimRight(s.cfg.BaseURL, "/")+"/ap/boards", page, total, 20, asItems(uris))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		apResponse(w, apmodel.OrderedCollection{
			Context:      apmodel.DefaultContext,
			ID:           strings.TrimRight(s.cfg.BaseURL, "/") + "/ap/search",
			Type:         "OrderedCollection",
			TotalItems:   0,
			OrderedItems: []interface{}{},
		})
		return
	}

	page := pageParam(r)
	if page < 1 {
		page = 1
	}
	articles, total, err := s.store.SearchArticles(r.Context(), query, page)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]interface{}, 0, len(articles))
	for _, a := range articles {
		note, err := s.noteFromArticle(r.Context(), a)
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, note)
	}
	apResponse(w, apmodel.OrderedCollection{
		Context:      apmodel.DefaultContext,
		ID:           fmt.Sprintf("%s/ap/search?q=%s&page=%d", strings.TrimRight(s.cfg.BaseURL, "/"), url.QueryEscape(query), page),
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: items,
	})
}

// ─── Inbox ────────────────────────────────────────────────────────────────────

// signatureOrigin extracts the signing actor's hostname from the Signature
// header's keyId, without reading the body. Used for the per-origin
// concurrency cap and the domain allow/block policy; the dispatcher still
// cryptographically verifies the signature afterward.
func signatureOrigin(r *http.Request) string {
	sig := r.Header.Get("Signature")
	const marker = `keyId="`
	i := strings.Index(sig, marker)
	if i < 0 {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	rest := sig[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return r.RemoteAddr
	}
	if u, err := url.Parse(rest[:j]); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return r.RemoteAddr
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.APFederationEnabled {
		notFound(w)
		return
	}

	origin := signatureOrigin(r)
	if !s.cfg.DomainAllowed(origin) {
		writeError(w, apperr.New(apperr.KindUnauthorized, "domain not allowed"))
		return
	}

	if !s.inboxLimiter.acquire(origin) {
		s.log.Warn("per-origin inbox concurrency cap exceeded", "origin", origin)
		writeError(w, apperr.New(apperr.KindRateLimited, "too many requests"))
		return
	}
	defer s.inboxLimiter.release(origin)

	select {
	case s.inboxSem <- struct{}{}:
		defer func() { <-s.inboxSem }()
	default:
		s.log.Warn("inbox overloaded, dropping activity", "remote", r.RemoteAddr)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	duplicate, err := s.inboxDisp.Accept(ctx, r.WithContext(ctx))
	if err != nil {
		s.log.Warn("inbox activity rejected", "origin", origin, "error", err)
		writeError(w, err)
		return
	}
	if duplicate {
		jsonResponse(w, map[string]string{"status": "duplicate"}, http.StatusOK)
		return
	}
	jsonResponse(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
}
