// Package apmodel holds the ActivityPub JSON-LD wire types shared by the
// inbox dispatcher, publisher, and HTTP signature layers.
package apmodel

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserializes an AP field that may be either a JSON string or
// a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context for ActivityPub objects,
// extended with the baudrate: extension namespace used for article/board
// metadata.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":       "as:Hashtag",
		"sensitive":     "as:sensitive",
		"baudrate":      "https://baudrate.example/ns#",
		"pinned":        "baudrate:pinned",
		"locked":        "baudrate:locked",
		"commentCount":  "baudrate:commentCount",
		"likeCount":     "baudrate:likeCount",
		"parentBoard":   "baudrate:parentBoard",
		"subBoards":     "baudrate:subBoards",
	},
}

// Actor represents an ActivityPub actor (Person, Group, Organization,
// Service, Application).
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Name              string      `json:"name,omitempty"`
	PreferredUsername string      `json:"preferredUsername"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	Icon              *Image      `json:"icon,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	ParentBoard       string      `json:"parentBoard,omitempty"`
	SubBoards         []string    `json:"subBoards,omitempty"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Endpoints holds the actor's shared inbox, used to collapse per-domain
// delivery fan-out to a single inbox URL.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Note represents an Article, Note, or Page object.
type Note struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name,omitempty"` // Article title
	Content      string        `json:"content"`
	Source       *Source       `json:"source,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Published    string        `json:"published,omitempty"`
	Updated      string        `json:"updated,omitempty"`
	To           []string      `json:"to,omitempty"`
	CC           []string      `json:"cc,omitempty"`
	Tag          []Hashtag     `json:"tag,omitempty"`
	URL          string        `json:"url,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Replies      string        `json:"replies,omitempty"`
	Pinned       bool          `json:"pinned,omitempty"`
	Locked       bool          `json:"locked,omitempty"`
	CommentCount int           `json:"commentCount,omitempty"`
	LikeCount    int           `json:"likeCount,omitempty"`
}

// Source carries the Markdown original alongside the rendered HTML content.
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// Hashtag represents a hashtag tag on a Note/Article.
type Hashtag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// Activity is a generic outbound ActivityPub activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	Target    interface{} `json:"target,omitempty"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity is used to parse inbound activities, where the object
// might be a string reference or an embedded object and to/cc may be a
// single string or an array.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Target    json.RawMessage `json:"target,omitempty"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Audience  StringOrArray   `json:"audience,omitempty"`
	Published string          `json:"published,omitempty"`
}

// OrderedCollection is a non-paginated AP collection: the root response for
// followers/following/outbox when no ?page is requested (First set, no
// items), or a small inline collection (OrderedItems set, no First).
type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	First        string      `json:"first,omitempty"`
	OrderedItems interface{} `json:"orderedItems,omitempty"`
}

// OrderedCollectionPage is a single page of a paginated AP collection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	TotalItems   int         `json:"totalItems"`
	Next         string      `json:"next,omitempty"`
	Prev         string      `json:"prev,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFingerResponse is the JRD body returned from /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures for the /nodeinfo/2.1 document.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users       NodeInfoUsers `json:"users"`
	LocalPosts  int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// WithContext wraps v with the default AP @context, for building ad hoc
// response maps without re-declaring every field as a struct.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
