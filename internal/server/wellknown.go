package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hiroshiyui/baudrate-sub002/internal/apmodel"
	"github.com/hiroshiyui/baudrate-sub002/internal/config"
)

const serverVersion = "1.0.0"

func cacheHeaders(w http.ResponseWriter, seconds int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", seconds))
}

// handleWebFinger resolves acct: URIs to local actor URLs per RFC 7033.
// `acct:name@host` resolves a user; `acct:!slug@host` resolves a board.
func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	name, host := parts[0], parts[1]
	if !strings.EqualFold(host, s.cfg.URL().Host) {
		notFound(w)
		return
	}

	var actorURL string
	if slug, isBoard := strings.CutPrefix(name, "!"); isBoard {
		board, err := s.store.GetBoardBySlug(r.Context(), slug)
		if err != nil {
			writeError(w, err)
			return
		}
		if board == nil || board.Private || !board.APEnabled {
			notFound(w)
			return
		}
		actorURL = board.APID
	} else {
		profile, err := s.store.GetUserProfileByUsername(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		if profile == nil {
			notFound(w)
			return
		}
		actorURL = s.cfg.ActorURI("users", profile.Username)
	}

	resp := apmodel.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []apmodel.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorURL,
			},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNodeInfoLinks(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": strings.TrimRight(s.cfg.BaseURL, "/") + "/nodeinfo/2.1",
			},
		},
	}, http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "version") != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	users, err := s.store.CountUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	posts, err := s.store.CountLocalArticles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	info := apmodel.NodeInfo{
		Version: "2.1",
		Software: apmodel.NodeInfoSoftware{
			Name:    "baudrate",
			Version: serverVersion,
		},
		Protocols:         []string{"activitypub"},
		OpenRegistrations: s.cfg.RegistrationMode == config.RegistrationOpen,
		Usage: apmodel.NodeInfoUsage{
			Users:      apmodel.NodeInfoUsers{Total: users},
			LocalPosts: posts,
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}
