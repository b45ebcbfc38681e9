package remote

import (
	"strings"
	"time"

	"threadsync/api/internal/discussion"
)

var remoteReactionCodes = map[string]discussion.ReactionKind{
	"THUMBS_UP":   discussion.ReactionThumbsUp,
	"+1":          discussion.ReactionThumbsUp,
	"THUMBS_DOWN": discussion.ReactionThumbsDown,
	"-1":          discussion.ReactionThumbsDown,
	"LAUGH":       discussion.ReactionLaugh,
	"HOORAY":      discussion.ReactionHooray,
	"CONFUSED":    discussion.ReactionConfused,
	"HEART":       discussion.ReactionHeart,
	"ROCKET":      discussion.ReactionRocket,
	"EYES":        discussion.ReactionEyes,
}

// ReactionKindFromRemote maps both GraphQL enum names and REST shortcodes.
func ReactionKindFromRemote(code string) (discussion.ReactionKind, bool) {
	kind, ok := remoteReactionCodes[strings.ToUpper(strings.TrimSpace(code))]
	return kind, ok
}

// ReactionContent is the GraphQL ReactionContent enum value for kind.
func ReactionContent(kind discussion.ReactionKind) string {
	return string(kind)
}

func NormalizeAuthor(author *discussion.Author) discussion.Author {
	if author == nil || strings.TrimSpace(author.Login) == "" {
		return discussion.GhostAuthor
	}
	return *author
}

// DeriveViewerSentiment picks the caller's active sentiment marker from the
// reactor list. A remote that reports both kinds for the caller resolves to positive.
func DeriveViewerSentiment(reactors []discussion.Reactor, viewerLogin string) discussion.ReactionKind {
	if viewerLogin == "" {
		return ""
	}
	var positive, negative bool
	for _, reactor := range reactors {
		if !strings.EqualFold(reactor.Login, viewerLogin) {
			continue
		}
		switch reactor.Kind {
		case discussion.ReactionThumbsUp:
			positive = true
		case discussion.ReactionThumbsDown:
			negative = true
		}
	}
	switch {
	case positive:
		return discussion.ReactionThumbsUp
	case negative:
		return discussion.ReactionThumbsDown
	default:
		return ""
	}
}

type rawAuthor struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatarUrl"`
	URL       string `json:"url"`
}

type rawReactionGroup struct {
	Content          string `json:"content"`
	ViewerHasReacted bool   `json:"viewerHasReacted"`
	Users            struct {
		TotalCount int `json:"totalCount"`
		Nodes      []struct {
			Login string `json:"login"`
		} `json:"nodes"`
	} `json:"users"`
}

type rawComment struct {
	ID                string             `json:"id"`
	Body              string             `json:"body"`
	CreatedAt         time.Time          `json:"createdAt"`
	LastEditedAt      *time.Time         `json:"lastEditedAt"`
	AuthorAssociation string             `json:"authorAssociation"`
	Author            *rawAuthor         `json:"author"`
	ReactionGroups    []rawReactionGroup `json:"reactionGroups"`
	ReplyTo           *struct {
		ID string `json:"id"`
	} `json:"replyTo"`
	Replies *struct {
		TotalCount int `json:"totalCount"`
	} `json:"replies"`
}

func normalizeComment(raw rawComment, viewerLogin string) discussion.Entry {
	var author *discussion.Author
	if raw.Author != nil {
		author = &discussion.Author{Login: raw.Author.Login, AvatarURL: raw.Author.AvatarURL, URL: raw.Author.URL}
	}
	entry := discussion.Entry{
		ID:           raw.ID,
		Body:         raw.Body,
		Author:       NormalizeAuthor(author),
		CreatedAt:    raw.CreatedAt,
		LastEditedAt: raw.LastEditedAt,
		Association:  discussion.NormalizeAssociation(raw.AuthorAssociation),
		Reactions:    discussion.EmptyTally(),
		Reactors:     []discussion.Reactor{},
	}
	if raw.ReplyTo != nil {
		entry.ParentID = raw.ReplyTo.ID
	}
	if raw.Replies != nil {
		entry.ReplyCount = raw.Replies.TotalCount
	}
	for _, group := range raw.ReactionGroups {
		kind, ok := ReactionKindFromRemote(group.Content)
		if !ok {
			continue
		}
		entry.Reactions[kind] = group.Users.TotalCount
		viewerListed := false
		for _, node := range group.Users.Nodes {
			if strings.EqualFold(node.Login, viewerLogin) {
				viewerListed = true
			}
			entry.Reactors = append(entry.Reactors, discussion.Reactor{Login: node.Login, Kind: kind})
		}
		if group.ViewerHasReacted && viewerLogin != "" && !viewerListed {
			entry.Reactors = append(entry.Reactors, discussion.Reactor{Login: viewerLogin, Kind: kind})
		}
	}
	entry.ViewerSentiment = DeriveViewerSentiment(entry.Reactors, viewerLogin)
	return entry
}

func normalizeComments(raws []rawComment, viewerLogin string) []discussion.Entry {
	entries := make([]discussion.Entry, 0, len(raws))
	for _, raw := range raws {
		entries = append(entries, normalizeComment(raw, viewerLogin))
	}
	return entries
}
