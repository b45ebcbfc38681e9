package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"threadsync/api/internal/discussion"
)

const DefaultGitHubEndpoint = "https://api.github.com/graphql"

const commentFields = `
fragment CommentFields on DiscussionComment {
  id
  body
  createdAt
  lastEditedAt
  authorAssociation
  author { login avatarUrl url }
  replyTo { id }
  reactionGroups {
    content
    viewerHasReacted
    users(first: 20) { totalCount nodes { login } }
  }
}
`

const pageQuery = `
query($owner: String!, $name: String!, $number: Int!, $first: Int, $last: Int, $after: String, $before: String) {
  repository(owner: $owner, name: $name) {
    discussion(number: $number) {
      id
      comments(first: $first, last: $last, after: $after, before: $before) {
        totalCount
        pageInfo { startCursor endCursor hasNextPage hasPreviousPage }
        nodes { ...CommentFields replies { totalCount } }
      }
    }
  }
}
` + commentFields

const subtreeQuery = `
query($id: ID!, $first: Int!) {
  node(id: $id) {
    ... on DiscussionComment {
      replies(first: $first) { nodes { ...CommentFields } }
    }
  }
}
` + commentFields

const createMutation = `
mutation($discussionId: ID!, $body: String!, $replyToId: ID) {
  addDiscussionComment(input: {discussionId: $discussionId, body: $body, replyToId: $replyToId}) {
    comment { ...CommentFields replies { totalCount } }
  }
}
` + commentFields

const editMutation = `
mutation($commentId: ID!, $body: String!) {
  updateDiscussionComment(input: {commentId: $commentId, body: $body}) {
    comment { ...CommentFields replies { totalCount } }
  }
}
` + commentFields

const deleteMutation = `
mutation($id: ID!) {
  deleteDiscussionComment(input: {id: $id}) { comment { id } }
}
`

const addReactionMutation = `
mutation($subjectId: ID!, $content: ReactionContent!) {
  addReaction(input: {subjectId: $subjectId, content: $content}) { reaction { content } }
}
`

const removeReactionMutation = `
mutation($subjectId: ID!, $content: ReactionContent!) {
  removeReaction(input: {subjectId: $subjectId, content: $content}) { reaction { content } }
}
`

const viewerQuery = `query { viewer { login avatarUrl url } }`

type GitHubOptions struct {
	Endpoint          string
	RequestsPerSecond float64
	Timeout           time.Duration
	SubtreeSize       int
	HTTPClient        *http.Client
	Logger            zerolog.Logger
}

// GitHub talks to the GitHub Discussions GraphQL API on behalf of one token holder.
type GitHub struct {
	endpoint    string
	token       string
	viewer      string
	subtreeSize int
	client      *http.Client
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

func NewGitHub(options GitHubOptions, token, viewerLogin string) *GitHub {
	endpoint := strings.TrimSpace(options.Endpoint)
	if endpoint == "" {
		endpoint = DefaultGitHubEndpoint
	}
	client := options.HTTPClient
	if client == nil {
		timeout := options.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if options.RequestsPerSecond > 0 {
		limit = rate.Limit(options.RequestsPerSecond)
	}
	subtreeSize := options.SubtreeSize
	if subtreeSize <= 0 {
		subtreeSize = 100
	}
	return &GitHub{
		endpoint:    endpoint,
		token:       token,
		viewer:      viewerLogin,
		subtreeSize: subtreeSize,
		client:      client,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      options.Logger.With().Str("provider", "github").Logger(),
	}
}

type threadRef struct {
	Owner  string
	Name   string
	Number int
}

// parseThreadRef accepts "owner/repo#number".
func parseThreadRef(ref string) (threadRef, error) {
	repo, number, ok := strings.Cut(strings.TrimSpace(ref), "#")
	if !ok {
		return threadRef{}, NewError(http.StatusBadRequest, "invalid thread ref %q: expected owner/repo#number", ref)
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return threadRef{}, NewError(http.StatusBadRequest, "invalid thread ref %q: expected owner/repo#number", ref)
	}
	parsed, err := strconv.Atoi(number)
	if err != nil || parsed <= 0 {
		return threadRef{}, NewError(http.StatusBadRequest, "invalid discussion number in %q", ref)
	}
	return threadRef{Owner: owner, Name: name, Number: parsed}, nil
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

func (g *GitHub) do(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return AsError(err)
	}
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return NewError(http.StatusInternalServerError, "marshal graphql request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return NewError(http.StatusInternalServerError, "build graphql request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("graphql transport failure")
		return AsError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return AsError(err)
	}
	g.logger.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(started)).Msg("graphql call")
	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{Status: resp.StatusCode, Message: remoteMessage(body, resp.Status)}
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return NewError(http.StatusBadGateway, "decode graphql response: %v", err)
	}
	if len(decoded.Errors) > 0 {
		first := decoded.Errors[0]
		return &Error{Status: graphQLStatus(first.Type), Message: first.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return NewError(http.StatusBadGateway, "decode graphql data: %v", err)
	}
	return nil
}

func remoteMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return fallback
}

func graphQLStatus(errorType string) int {
	switch errorType {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "FORBIDDEN":
		return http.StatusForbidden
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusUnprocessableEntity
	}
}

func (g *GitHub) FetchPage(ctx context.Context, ref string, pageSize int, cursor *string, sort discussion.SortMode) (discussion.Page, error) {
	parsed, err := parseThreadRef(ref)
	if err != nil {
		return discussion.Page{}, err
	}
	variables := map[string]any{
		"owner":  parsed.Owner,
		"name":   parsed.Name,
		"number": parsed.Number,
	}
	if sort == discussion.SortNewest {
		variables["last"] = pageSize
		if cursor != nil {
			variables["before"] = *cursor
		}
	} else {
		variables["first"] = pageSize
		if cursor != nil {
			variables["after"] = *cursor
		}
	}

	var data struct {
		Repository *struct {
			Discussion *struct {
				ID       string `json:"id"`
				Comments struct {
					TotalCount int `json:"totalCount"`
					PageInfo   struct {
						StartCursor     *string `json:"startCursor"`
						EndCursor       *string `json:"endCursor"`
						HasNextPage     bool    `json:"hasNextPage"`
						HasPreviousPage bool    `json:"hasPreviousPage"`
					} `json:"pageInfo"`
					Nodes []rawComment `json:"nodes"`
				} `json:"comments"`
			} `json:"discussion"`
		} `json:"repository"`
	}
	if err := g.do(ctx, pageQuery, variables, &data); err != nil {
		return discussion.Page{}, err
	}
	if data.Repository == nil || data.Repository.Discussion == nil {
		return discussion.Page{}, NewError(http.StatusNotFound, "discussion %s not found", ref)
	}

	comments := data.Repository.Discussion.Comments
	entries := normalizeComments(comments.Nodes, g.viewer)
	page := discussion.Page{
		Entries:  entries,
		Total:    comments.TotalCount,
		ThreadID: data.Repository.Discussion.ID,
	}
	if sort == discussion.SortNewest {
		reverseEntries(page.Entries)
		if comments.PageInfo.HasPreviousPage {
			page.NextCursor = comments.PageInfo.StartCursor
		}
	} else if comments.PageInfo.HasNextPage {
		page.NextCursor = comments.PageInfo.EndCursor
	}
	return page, nil
}

func reverseEntries(entries []discussion.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func (g *GitHub) FetchSubtree(ctx context.Context, _ string, parentID string) (discussion.Subtree, error) {
	var data struct {
		Node *struct {
			Replies *struct {
				Nodes []rawComment `json:"nodes"`
			} `json:"replies"`
		} `json:"node"`
	}
	if err := g.do(ctx, subtreeQuery, map[string]any{"id": parentID, "first": g.subtreeSize}, &data); err != nil {
		return discussion.Subtree{}, err
	}
	if data.Node == nil || data.Node.Replies == nil {
		return discussion.Subtree{}, NewError(http.StatusNotFound, "comment %s not found", parentID)
	}
	entries := normalizeComments(data.Node.Replies.Nodes, g.viewer)
	for i := range entries {
		if entries[i].ParentID == "" {
			entries[i].ParentID = parentID
		}
	}
	return discussion.Subtree{Entries: entries}, nil
}

func (g *GitHub) CreateEntry(ctx context.Context, threadID, body, parentID string) (discussion.Entry, error) {
	variables := map[string]any{"discussionId": threadID, "body": body, "replyToId": nil}
	if parentID != "" {
		variables["replyToId"] = parentID
	}
	var data struct {
		AddDiscussionComment struct {
			Comment *rawComment `json:"comment"`
		} `json:"addDiscussionComment"`
	}
	if err := g.do(ctx, createMutation, variables, &data); err != nil {
		return discussion.Entry{}, err
	}
	if data.AddDiscussionComment.Comment == nil {
		return discussion.Entry{}, NewError(http.StatusBadGateway, "create comment returned no comment")
	}
	entry := normalizeComment(*data.AddDiscussionComment.Comment, g.viewer)
	if entry.ParentID == "" {
		entry.ParentID = parentID
	}
	return entry, nil
}

func (g *GitHub) EditEntry(ctx context.Context, _ string, entryID, body string) (discussion.Entry, error) {
	var data struct {
		UpdateDiscussionComment struct {
			Comment *rawComment `json:"comment"`
		} `json:"updateDiscussionComment"`
	}
	if err := g.do(ctx, editMutation, map[string]any{"commentId": entryID, "body": body}, &data); err != nil {
		return discussion.Entry{}, err
	}
	if data.UpdateDiscussionComment.Comment == nil {
		return discussion.Entry{}, NewError(http.StatusBadGateway, "update comment returned no comment")
	}
	return normalizeComment(*data.UpdateDiscussionComment.Comment, g.viewer), nil
}

func (g *GitHub) DeleteEntry(ctx context.Context, _ string, entryID string) error {
	return g.do(ctx, deleteMutation, map[string]any{"id": entryID}, nil)
}

func (g *GitHub) SetReaction(ctx context.Context, _ string, entryID string, kind discussion.ReactionKind, active bool) error {
	mutation := removeReactionMutation
	if active {
		mutation = addReactionMutation
	}
	return g.do(ctx, mutation, map[string]any{"subjectId": entryID, "content": ReactionContent(kind)}, nil)
}

// GitHubConnector resolves the token holder's identity with the viewer query.
type GitHubConnector struct {
	Options GitHubOptions
}

func (c GitHubConnector) Connect(ctx context.Context, credentials Credentials) (Provider, discussion.Viewer, error) {
	if strings.TrimSpace(credentials.Token) == "" {
		return nil, discussion.Viewer{}, NewError(http.StatusUnauthorized, "github token is required")
	}
	client := NewGitHub(c.Options, credentials.Token, "")
	var data struct {
		Viewer rawAuthor `json:"viewer"`
	}
	if err := client.do(ctx, viewerQuery, nil, &data); err != nil {
		return nil, discussion.Viewer{}, err
	}
	if data.Viewer.Login == "" {
		return nil, discussion.Viewer{}, NewError(http.StatusUnauthorized, "github token did not resolve a viewer")
	}
	viewer := discussion.Viewer{
		Author: discussion.Author{
			Login:     data.Viewer.Login,
			AvatarURL: data.Viewer.AvatarURL,
			URL:       data.Viewer.URL,
		},
		Association: discussion.NormalizeAssociation(credentials.Association),
	}
	return NewGitHub(c.Options, credentials.Token, viewer.Login), viewer, nil
}

func (g *GitHub) String() string {
	return fmt.Sprintf("github(%s)", g.endpoint)
}
