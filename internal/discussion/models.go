// Package discussion holds the canonical shapes shared by the remote adapters,
// the reaction state machine and the engine cache.
package discussion

import (
	"strings"
	"time"
)

type ReactionKind string

const (
	ReactionThumbsUp   ReactionKind = "THUMBS_UP"
	ReactionThumbsDown ReactionKind = "THUMBS_DOWN"
	ReactionLaugh      ReactionKind = "LAUGH"
	ReactionHooray     ReactionKind = "HOORAY"
	ReactionConfused   ReactionKind = "CONFUSED"
	ReactionHeart      ReactionKind = "HEART"
	ReactionRocket     ReactionKind = "ROCKET"
	ReactionEyes       ReactionKind = "EYES"
)

// ReactionKinds is the fixed vocabulary in display order.
var ReactionKinds = [8]ReactionKind{
	ReactionThumbsUp,
	ReactionThumbsDown,
	ReactionLaugh,
	ReactionHooray,
	ReactionConfused,
	ReactionHeart,
	ReactionRocket,
	ReactionEyes,
}

func ParseReactionKind(value string) (ReactionKind, bool) {
	normalized := ReactionKind(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case "+1", "UP", "POSITIVE":
		return ReactionThumbsUp, true
	case "-1", "DOWN", "NEGATIVE":
		return ReactionThumbsDown, true
	}
	for _, kind := range ReactionKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// IsSentiment reports whether kind is one of the two mutually exclusive kinds.
func (k ReactionKind) IsSentiment() bool {
	return k == ReactionThumbsUp || k == ReactionThumbsDown
}

// Opposite returns the other sentiment kind, or "" for independent kinds.
func (k ReactionKind) Opposite() ReactionKind {
	switch k {
	case ReactionThumbsUp:
		return ReactionThumbsDown
	case ReactionThumbsDown:
		return ReactionThumbsUp
	default:
		return ""
	}
}

type Association string

const (
	AssociationOwner                Association = "OWNER"
	AssociationMember               Association = "MEMBER"
	AssociationCollaborator         Association = "COLLABORATOR"
	AssociationContributor          Association = "CONTRIBUTOR"
	AssociationFirstTimeContributor Association = "FIRST_TIME_CONTRIBUTOR"
	AssociationFirstTimer           Association = "FIRST_TIMER"
	AssociationMannequin            Association = "MANNEQUIN"
	AssociationNone                 Association = "NONE"
)

func NormalizeAssociation(value string) Association {
	switch Association(strings.ToUpper(strings.TrimSpace(value))) {
	case AssociationOwner:
		return AssociationOwner
	case AssociationMember:
		return AssociationMember
	case AssociationCollaborator:
		return AssociationCollaborator
	case AssociationContributor:
		return AssociationContributor
	case AssociationFirstTimeContributor:
		return AssociationFirstTimeContributor
	case AssociationFirstTimer:
		return AssociationFirstTimer
	case AssociationMannequin:
		return AssociationMannequin
	default:
		return AssociationNone
	}
}

// IsMaintainer reports whether the association grants moderation rights on a thread.
func (a Association) IsMaintainer() bool {
	return a == AssociationOwner || a == AssociationMember || a == AssociationCollaborator
}

type Author struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatarUrl"`
	URL       string `json:"url"`
}

// GhostAuthor stands in for authors whose remote account no longer exists.
var GhostAuthor = Author{
	Login:     "ghost",
	AvatarURL: "https://avatars.githubusercontent.com/u/10137?s=64&v=4",
	URL:       "https://github.com/ghost",
}

// Viewer is the signed-in caller on whose behalf the engine acts.
type Viewer struct {
	Author
	Association Association `json:"association"`
}

type Reactor struct {
	Login string       `json:"login"`
	Kind  ReactionKind `json:"kind"`
}

type Entry struct {
	ID              string               `json:"id"`
	ParentID        string               `json:"parentId,omitempty"`
	Body            string               `json:"body"`
	Author          Author               `json:"author"`
	CreatedAt       time.Time            `json:"createdAt"`
	LastEditedAt    *time.Time           `json:"lastEditedAt"`
	Association     Association          `json:"authorAssociation"`
	Reactions       map[ReactionKind]int `json:"reactions"`
	Reactors        []Reactor            `json:"reactors"`
	ViewerSentiment ReactionKind         `json:"viewerSentiment,omitempty"`
	ReplyCount      int                  `json:"replyCount"`
	Provisional     bool                 `json:"provisional,omitempty"`
}

func (e Entry) IsReply() bool {
	return e.ParentID != ""
}

// EmptyTally returns a tally with every kind present at zero.
func EmptyTally() map[ReactionKind]int {
	tally := make(map[ReactionKind]int, len(ReactionKinds))
	for _, kind := range ReactionKinds {
		tally[kind] = 0
	}
	return tally
}

// Clone returns a deep copy safe to mutate independently of e.
func (e Entry) Clone() Entry {
	out := e
	if e.LastEditedAt != nil {
		edited := *e.LastEditedAt
		out.LastEditedAt = &edited
	}
	out.Reactions = EmptyTally()
	for kind, count := range e.Reactions {
		out.Reactions[kind] = count
	}
	if e.Reactors != nil {
		out.Reactors = append([]Reactor(nil), e.Reactors...)
	}
	return out
}

// HasReacted reports whether login is listed as a reactor of kind.
func (e Entry) HasReacted(login string, kind ReactionKind) bool {
	for _, reactor := range e.Reactors {
		if reactor.Kind == kind && strings.EqualFold(reactor.Login, login) {
			return true
		}
	}
	return false
}

// CloneEntries deep-copies a list of entries.
func CloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
	}
	return out
}

type SortMode string

const (
	SortOldest SortMode = "oldest"
	SortNewest SortMode = "newest"
)

func NormalizeSortMode(value string) SortMode {
	if SortMode(strings.ToLower(strings.TrimSpace(value))) == SortNewest {
		return SortNewest
	}
	return SortOldest
}

// Page is one fetched slice of top-level entries.
type Page struct {
	Entries    []Entry `json:"entries"`
	Total      int     `json:"total"`
	NextCursor *string `json:"nextCursor"`
	ThreadID   string  `json:"threadId"`
}

type Subtree struct {
	Entries []Entry `json:"entries"`
}
