// Package inbox implements the InboxDispatcher: signature
// verification, sliding-window dedup, and per-activity-type handlers for
// POST /ap/inbox and its per-actor variants.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hiroshiyui/baudrate-sub002/internal/actorresolver"
	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
	"github.com/hiroshiyui/baudrate-sub002/internal/follow"
	"github.com/hiroshiyui/baudrate-sub002/internal/httpsig"
	"github.com/hiroshiyui/baudrate-sub002/internal/notify"
)

const maxBodyBytes = 1 << 20 // inbound activity body cap

// RemoteArticle is the normalized record created from an inbound
// Create(Article|Note|Page).
type RemoteArticle struct {
	APID           string
	RemoteActorID  string
	BoardIDs       []string
	InReplyToAPID  string
	Name           string
	Content        string
	Published      time.Time
}

// Store is the persistence boundary the dispatcher's handlers mutate
// against, beyond what follow.Store/notify.Store already cover.
type Store interface {
	IsActivitySeen(ctx context.Context, activityID string) (bool, error)
	MarkActivitySeen(ctx context.Context, activityID string, seenAt time.Time) error
	PurgeSeenOlderThan(ctx context.Context, before time.Time) error

	UpsertRemoteActor(ctx context.Context, a *actorresolver.Actor) error

	ResolveLocalBoardIDs(ctx context.Context, uris []string) ([]string, error)
	BoardFollowersOnlyPolicy(ctx context.Context, boardID string) (bool, error)
	LocalUserIDByActorURI(ctx context.Context, actorURI string) (userID string, ok bool, err error)

	ArticleIDByAPID(ctx context.Context, apID string) (string, bool, error)
	CreateRemoteArticle(ctx context.Context, a *RemoteArticle) (articleID string, err error)
	AddArticleToBoards(ctx context.Context, articleID string, boardIDs []string) error
	UpdateArticleContent(ctx context.Context, apID, name, content string) error
	SoftDeleteByAPID(ctx context.Context, apID string) error
	SoftDeleteAllByActor(ctx context.Context, actorAPID string) error

	CreateRemoteComment(ctx context.Context, apID, remoteActorID, inReplyToAPID, content string, published time.Time) (commentID string, authorUserID string, err error)

	CreateArticleLike(ctx context.Context, apID, articleAPID, remoteActorID string) (articleAuthorUserID string, inserted bool, err error)
	DeleteArticleLikeByActor(ctx context.Context, articleAPID, remoteActorID string) error

	CreateAnnounce(ctx context.Context, apID, objectAPID, remoteActorID string) (inserted bool, err error)
	DeleteAnnounceByActor(ctx context.Context, objectAPID, remoteActorID string) error

	StoreFeedItem(ctx context.Context, apID, remoteActorID string, article interface{}, published time.Time) (feedItemID string, localFollowerIDs []string, err error)
}

// Dispatcher accepts verified inbound activities and routes them to
// handlers by type.
type Dispatcher struct {
	store    Store
	resolver *actorresolver.Resolver
	follows  *follow.Machine
	notifier *notify.Service
	skew     time.Duration
}

func New(store Store, resolver *actorresolver.Resolver, follows *follow.Machine, notifier *notify.Service, clockSkew time.Duration) *Dispatcher {
	return &Dispatcher{store: store, resolver: resolver, follows: follows, notifier: notifier, skew: clockSkew}
}

// Accept runs the full inbound pipeline for a single POST body: size cap,
// schema check, digest + signature verification, dedup, dispatch. It
// returns (duplicate, error); duplicate distinguishes the "200, no side
// effects" response from a freshly-processed activity (202).
func (d *Dispatcher) Accept(ctx context.Context, r *http.Request) (duplicate bool, err error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "read body", err)
	}
	if len(body) > maxBodyBytes {
		return false, apperr.New(apperr.KindValidation, "body exceeds size limit")
	}

	var act apmodel.IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "invalid json", err)
	}
	if act.ID == "" || act.Type == "" || act.Actor == "" {
		return false, apperr.New(apperr.KindValidation, "missing id/type/actor")
	}

	if r.Header.Get("Digest") == "" {
		return false, apperr.New(apperr.KindSignatureInvalid, "missing_header")
	}
	if err := httpsig.VerifyDigest(body, r.Header.Get("Digest")); err != nil {
		return false, err
	}
	keyID, err := httpsig.Verify(r, d.skew, d.resolver)
	if err != nil {
		return false, err
	}
	actorURL := strings.SplitN(keyID, "#", 2)[0]
	if actorURL != act.Actor {
		return false, apperr.New(apperr.KindSignatureInvalid, "signer does not match actor")
	}

	seen, err := d.store.IsActivitySeen(ctx, act.ID)
	if err != nil {
		return false, fmt.Errorf("inbox: dedup check: %w", err)
	}
	if seen {
		return true, nil
	}

	if err := d.dispatch(ctx, &act); err != nil {
		return false, err
	}

	if err := d.store.MarkActivitySeen(ctx, act.ID, time.Now()); err != nil {
		return false, fmt.Errorf("inbox: mark seen: %w", err)
	}
	return false, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, act *apmodel.IncomingActivity) error {
	switch act.Type {
	case "Follow":
		return d.handleFollow(ctx, act)
	case "Accept":
		return d.handleAccept(ctx, act)
	case "Reject":
		return d.handleReject(ctx, act)
	case "Undo":
		return d.handleUndo(ctx, act)
	case "Create":
		return d.handleCreate(ctx, act)
	case "Update":
		return d.handleUpdate(ctx, act)
	case "Delete":
		return d.handleDelete(ctx, act)
	case "Like":
		return d.handleLike(ctx, act)
	case "Announce":
		return d.handleAnnounce(ctx, act)
	case "Move":
		return d.handleMove(ctx, act)
	default:
		return nil // unknown types are accepted and ignored, per forward-compat
	}
}

func objectIRI(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &obj)
	return obj.ID
}

func (d *Dispatcher) handleFollow(ctx context.Context, act *apmodel.IncomingActivity) error {
	targetURI := objectIRI(act.Object)
	if userID, ok, err := d.store.LocalUserIDByActorURI(ctx, targetURI); err != nil {
		return err
	} else if ok {
		_, err := d.follows.RequestRemoteUserFollow(ctx, act.Actor, userID, act.ID)
		if err != nil {
			return err
		}
		if err := d.follows.AcceptUserFollow(ctx, act.ID); err != nil {
			return err
		}
		_, err = d.notifier.Create(ctx, notify.Attrs{UserID: userID, Kind: notify.KindNewFollower, ActorAPID: act.Actor})
		return err
	}

	boardIDs, err := d.store.ResolveLocalBoardIDs(ctx, []string{targetURI})
	if err != nil {
		return err
	}
	if len(boardIDs) == 0 {
		return nil
	}
	followersOnly, err := d.store.BoardFollowersOnlyPolicy(ctx, boardIDs[0])
	if err != nil {
		return err
	}
	policy := follow.BoardPolicyOpen
	if followersOnly {
		policy = follow.BoardPolicyFollowersOnly
	}
	_, err = d.follows.RequestBoardFollow(ctx, act.Actor, boardIDs[0], act.ID, policy)
	return err
}

func (d *Dispatcher) handleAccept(ctx context.Context, act *apmodel.IncomingActivity) error {
	followAPID := objectIRI(act.Object)
	if err := d.follows.AcceptUserFollow(ctx, followAPID); err != nil {
		return err
	}
	if err := d.follows.AcceptBoardFollow(ctx, followAPID); err != nil {
		return err
	}
	return d.follows.AcceptRemoteActorFollow(ctx, followAPID)
}

func (d *Dispatcher) handleReject(ctx context.Context, act *apmodel.IncomingActivity) error {
	followAPID := objectIRI(act.Object)
	if err := d.follows.RejectUserFollow(ctx, followAPID); err != nil {
		return err
	}
	if err := d.follows.RejectBoardFollow(ctx, followAPID); err != nil {
		return err
	}
	return d.follows.RejectRemoteActorFollow(ctx, followAPID)
}

func (d *Dispatcher) handleUndo(ctx context.Context, act *apmodel.IncomingActivity) error {
	var inner apmodel.IncomingActivity
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		return nil // malformed nested object: nothing we can safely undo
	}
	switch inner.Type {
	case "Follow":
		if err := d.follows.UndoUserFollow(ctx, inner.ID); err != nil {
			return err
		}
		if err := d.follows.UndoBoardFollow(ctx, inner.ID); err != nil {
			return err
		}
		return d.follows.UndoRemoteActorFollow(ctx, inner.ID)
	case "Like":
		return d.store.DeleteArticleLikeByActor(ctx, objectIRI(inner.Object), act.Actor)
	case "Announce":
		return d.store.DeleteAnnounceByActor(ctx, objectIRI(inner.Object), act.Actor)
	default:
		return nil
	}
}

func (d *Dispatcher) handleCreate(ctx context.Context, act *apmodel.IncomingActivity) error {
	var obj apmodel.Note
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid create object", err)
	}
	if obj.ID == "" {
		return apperr.New(apperr.KindValidation, "create object missing id")
	}

	remoteActor, err := d.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return err
	}
	if err := d.store.UpsertRemoteActor(ctx, remoteActor); err != nil {
		return err
	}

	if existingID, ok, err := d.store.ArticleIDByAPID(ctx, obj.ID); err != nil {
		return err
	} else if ok {
		boardIDs, err := d.store.ResolveLocalBoardIDs(ctx, audience(obj.To, obj.CC))
		if err != nil {
			return err
		}
		return d.store.AddArticleToBoards(ctx, existingID, boardIDs)
	}

	published := parseTime(obj.Published)

	if obj.InReplyTo != "" {
		commentID, authorUserID, err := d.store.CreateRemoteComment(ctx, obj.ID, remoteActor.ID, obj.InReplyTo, obj.Content, published)
		if err != nil {
			return err
		}
		if authorUserID != "" {
			_, err := d.notifier.Create(ctx, notify.Attrs{
				UserID: authorUserID, Kind: notify.KindCommentReply,
				ActorAPID: remoteActor.ID, ObjectType: "comment", ObjectID: commentID,
			})
			return err
		}
		return nil
	}

	boardIDs, err := d.store.ResolveLocalBoardIDs(ctx, audience(obj.To, obj.CC))
	if err != nil {
		return err
	}
	if len(boardIDs) > 0 {
		articleID, err := d.store.CreateRemoteArticle(ctx, &RemoteArticle{
			APID: obj.ID, RemoteActorID: remoteActor.ID, BoardIDs: boardIDs,
			Name: obj.Name, Content: obj.Content, Published: published,
		})
		if err != nil {
			return err
		}
		_ = articleID
		return nil
	}

	feedItemID, followerIDs, err := d.store.StoreFeedItem(ctx, obj.ID, remoteActor.ID, obj, published)
	if err != nil {
		return err
	}
	_ = feedItemID
	_ = followerIDs
	return nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, act *apmodel.IncomingActivity) error {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(act.Object, &probe)

	if probe.Type == "Person" || probe.Type == "Group" || probe.Type == "Organization" || probe.Type == "Service" {
		remoteActor, err := d.resolver.Resolve(ctx, act.Actor)
		if err != nil {
			return err
		}
		return d.store.UpsertRemoteActor(ctx, remoteActor)
	}

	var obj apmodel.Note
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid update object", err)
	}
	return d.store.UpdateArticleContent(ctx, obj.ID, obj.Name, obj.Content)
}

func (d *Dispatcher) handleDelete(ctx context.Context, act *apmodel.IncomingActivity) error {
	objID := objectIRI(act.Object)
	if objID == act.Actor {
		return d.store.SoftDeleteAllByActor(ctx, act.Actor)
	}
	return d.store.SoftDeleteByAPID(ctx, objID)
}

func (d *Dispatcher) handleLike(ctx context.Context, act *apmodel.IncomingActivity) error {
	articleAPID := objectIRI(act.Object)
	authorUserID, inserted, err := d.store.CreateArticleLike(ctx, act.ID, articleAPID, act.Actor)
	if err != nil {
		return err
	}
	if !inserted || authorUserID == "" {
		return nil
	}
	_, err = d.notifier.Create(ctx, notify.Attrs{
		UserID: authorUserID, Kind: notify.KindArticleLiked,
		ActorAPID: act.Actor, ObjectType: "article",
	})
	return err
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, act *apmodel.IncomingActivity) error {
	objID := objectIRI(act.Object)
	_, err := d.store.CreateAnnounce(ctx, act.ID, objID, act.Actor)
	return err
}

func (d *Dispatcher) handleMove(ctx context.Context, act *apmodel.IncomingActivity) error {
	newActor := objectIRI(act.Target)
	oldActor := objectIRI(act.Object)
	if oldActor == "" {
		oldActor = act.Actor
	}
	return d.follows.MoveUserFollows(ctx, oldActor, newActor)
}

func audience(to, cc []string) []string {
	out := make([]string, 0, len(to)+len(cc))
	for _, u := range to {
		if u != apmodel.PublicURI {
			out = append(out, u)
		}
	}
	for _, u := range cc {
		if u != apmodel.PublicURI {
			out = append(out, u)
		}
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
