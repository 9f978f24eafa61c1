package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cordum/hookbridge/core/bridge/events"
)

// TypeGitHubRepo is the state event type of GitHub repository connections.
const TypeGitHubRepo = "org.hookbridge.github.repository"

const defaultGitHubPrefix = "!gh"

var githubHooks = []string{"issues", "issue_comment", "pull_request", "push", "release", "workflow_run"}

// GitHubEvents lists the provider event names GitHub connections render.
var GitHubEvents = []string{
	"github.issues.opened",
	"github.issues.closed",
	"github.issues.reopened",
	"github.issues.edited",
	"github.issues.labeled",
	"github.issue_comment.created",
	"github.pull_request.opened",
	"github.pull_request.closed",
	"github.pull_request.reopened",
	"github.pull_request.ready_for_review",
	"github.push",
	"github.release.published",
	"github.release.created",
	"github.workflow_run.completed",
}

// GitHubRepoState is the persisted configuration.
type GitHubRepoState struct {
	Org             string   `json:"org"`
	Repo            string   `json:"repo"`
	IgnoreHooks     []string `json:"ignoreHooks,omitempty"`
	CommandPrefix   string   `json:"commandPrefix,omitempty"`
	IncludingLabels []string `json:"includingLabels,omitempty"`
	ExcludingLabels []string `json:"excludingLabels,omitempty"`
	Priority        int      `json:"priority,omitempty"`
}

func (s GitHubRepoState) fullName() string {
	return strings.ToLower(s.Org + "/" + s.Repo)
}

func init() {
	registerType(&Type{
		EventType:  TypeGitHubRepo,
		Service:    events.ServiceGitHub,
		Name:       "GitHub repository",
		schemaFile: "schema/github.schema.json",
		stateKey: func(content json.RawMessage) (string, error) {
			var s GitHubRepoState
			if err := decodeState(content, &s); err != nil {
				return "", err
			}
			return s.fullName(), nil
		},
		connectionID: func(_ string, content json.RawMessage) (string, error) {
			var s GitHubRepoState
			if err := decodeState(content, &s); err != nil {
				return "", err
			}
			return "github:" + s.fullName(), nil
		},
		build: func(_ context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (Connection, error) {
			return NewGitHubRepoConnection(deps, roomID, stateKey, content)
		},
	})
}

// GitHubRepoConnection posts events of one GitHub repository.
type GitHubRepoConnection struct {
	repoBase
	state    GitHubRepoState
	commands map[string]Command

	commentMu   sync.Mutex
	lastComment map[int64]int64
}

// NewGitHubRepoConnection builds a connection from validated state.
func NewGitHubRepoConnection(deps Deps, roomID, stateKey string, content json.RawMessage) (*GitHubRepoConnection, error) {
	deps = deps.withDefaults()
	var s GitHubRepoState
	if err := decodeState(content, &s); err != nil {
		return nil, err
	}
	if s.CommandPrefix == "" {
		s.CommandPrefix = defaultGitHubPrefix
	}
	c := &GitHubRepoConnection{
		repoBase: repoBase{
			deps:      deps,
			roomID:    roomID,
			stateKey:  stateKey,
			eventType: TypeGitHubRepo,
			service:   events.ServiceGitHub,
			id:        "github:" + s.fullName(),
			prefix:    s.CommandPrefix,
		},
		state:       s,
		lastComment: make(map[int64]int64),
	}
	c.commands = repoCommands(c, githubHooks)
	return c, nil
}

func (c *GitHubRepoConnection) Priority() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Priority
}

func (c *GitHubRepoConnection) Commands() map[string]Command { return c.commands }

func (c *GitHubRepoConnection) InterestedIn(eventName, routingKey string) bool {
	if !strings.HasPrefix(eventName, events.ServiceGitHub+".") {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !strings.EqualFold(routingKey, c.state.fullName()) {
		return false
	}
	return !hookIgnored(c.state.IgnoreHooks, events.ServiceGitHub, eventName)
}

func (c *GitHubRepoConnection) HandleStateUpdate(ctx context.Context, content json.RawMessage) error {
	var next GitHubRepoState
	if err := decodeState(content, &next); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if next.fullName() != c.state.fullName() {
		return invalid("repo", "org and repo cannot be changed")
	}
	if next.CommandPrefix == "" {
		next.CommandPrefix = defaultGitHubPrefix
	}
	c.state = next
	c.prefix = next.CommandPrefix
	return nil
}

func (c *GitHubRepoConnection) Describe(bool) Description {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Description{
		ID:       c.id,
		Type:     c.eventType,
		Service:  c.service,
		RoomID:   c.roomID,
		StateKey: c.stateKey,
		Priority: c.state.Priority,
		Config:   toMap(c.state),
	}
}

func (c *GitHubRepoConnection) ignored() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.state.IgnoreHooks)
}

func (c *GitHubRepoConnection) setIgnored(ctx context.Context, hooks []string) error {
	c.mu.Lock()
	next := c.state
	next.IgnoreHooks = hooks
	c.mu.Unlock()
	if err := c.persist(ctx, next); err != nil {
		return &CommandError{Human: "could not save configuration", Err: err}
	}
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	return nil
}

func (c *GitHubRepoConnection) status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ignored := "none"
	if len(c.state.IgnoreHooks) > 0 {
		ignored = strings.Join(c.state.IgnoreHooks, ", ")
	}
	return fmt.Sprintf("Connected to GitHub repository **%s/%s**. Ignored hooks: %s", c.state.Org, c.state.Repo, ignored)
}

// labelsAllowed applies includingLabels and excludingLabels.
func (c *GitHubRepoConnection) labelsAllowed(labels []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range labels {
		if slices.ContainsFunc(c.state.ExcludingLabels, func(x string) bool { return strings.EqualFold(x, l) }) {
			return false
		}
	}
	if len(c.state.IncludingLabels) == 0 {
		return true
	}
	for _, l := range labels {
		if slices.ContainsFunc(c.state.IncludingLabels, func(x string) bool { return strings.EqualFold(x, l) }) {
			return true
		}
	}
	return false
}

// acceptComment reports whether commentID is newer than the last comment
// posted for issue. Deliveries may arrive out of order.
func (c *GitHubRepoConnection) acceptComment(issue, commentID int64) bool {
	c.commentMu.Lock()
	defer c.commentMu.Unlock()
	if commentID <= c.lastComment[issue] {
		return false
	}
	c.lastComment[issue] = commentID
	return true
}

func (c *GitHubRepoConnection) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	if c.closed.Load() {
		return nil
	}
	p, err := decodePayload(ev.Payload)
	if err != nil {
		return err
	}
	text, err := c.render(ev.EventName, p)
	if err != nil || text == "" {
		return err
	}
	return c.notice(ctx, text)
}

// render returns the message for an event, "" for a filtered event, or
// ErrNotHandled for an event it does not render.
func (c *GitHubRepoConnection) render(eventName string, p payload) (string, error) {
	user := p.str("sender", "login")
	repo := p.str("repository", "full_name")
	family, action, _ := strings.Cut(strings.TrimPrefix(eventName, "github."), ".")
	switch family {
	case "issues":
		if !c.labelsAllowed(labelNames(p.list("issue", "labels"))) {
			return "", nil
		}
		ref := fmt.Sprintf("[%s#%d](%s)", repo, p.num("issue", "number"), p.str("issue", "html_url"))
		title := p.str("issue", "title")
		switch action {
		case "opened":
			return fmt.Sprintf("**%s** created new issue %s: %q", user, ref, title), nil
		case "closed", "reopened", "edited":
			return fmt.Sprintf("**%s** %s issue %s: %q", user, action, ref, title), nil
		case "labeled":
			return fmt.Sprintf("**%s** labeled issue %s with %q", user, ref, p.str("label", "name")), nil
		}
	case "issue_comment":
		if action != "created" {
			break
		}
		if !c.acceptComment(p.num("issue", "number"), p.num("comment", "id")) {
			return "", nil
		}
		return fmt.Sprintf("**%s** commented on [%s#%d](%s): %s", user, repo, p.num("issue", "number"),
			p.str("comment", "html_url"), truncate(firstLine(p.str("comment", "body")), 200)), nil
	case "pull_request":
		if !c.labelsAllowed(labelNames(p.list("pull_request", "labels"))) {
			return "", nil
		}
		ref := fmt.Sprintf("[%s#%d](%s)", repo, p.num("pull_request", "number"), p.str("pull_request", "html_url"))
		title := p.str("pull_request", "title")
		switch action {
		case "opened":
			return fmt.Sprintf("**%s** opened a new PR %s: %q", user, ref, title), nil
		case "closed":
			verb := "closed"
			if p.boolean("pull_request", "merged") {
				verb = "merged"
			}
			return fmt.Sprintf("**%s** %s PR %s: %q", user, verb, ref, title), nil
		case "reopened":
			return fmt.Sprintf("**%s** reopened PR %s: %q", user, ref, title), nil
		case "ready_for_review":
			return fmt.Sprintf("**%s** marked PR %s as ready for review: %q", user, ref, title), nil
		}
	case "push":
		commits := p.list("commits")
		if len(commits) == 0 {
			return "", nil
		}
		pusher := p.str("pusher", "name")
		if pusher == "" {
			pusher = user
		}
		var b strings.Builder
		fmt.Fprintf(&b, "**%s** pushed %s to `%s` of %s", pusher, plural(int64(len(commits)), "commit"), shortRef(p.str("ref")), repo)
		for i, commit := range commits {
			if i == 5 {
				fmt.Fprintf(&b, "\n- and %d more", len(commits)-5)
				break
			}
			if m, ok := commit.(map[string]any); ok {
				msg, _ := m["message"].(string)
				fmt.Fprintf(&b, "\n- %s", truncate(firstLine(msg), 80))
			}
		}
		return b.String(), nil
	case "release":
		if action != "published" && action != "created" {
			break
		}
		return fmt.Sprintf("**%s** 📣 released [%s](%s) for %s", user, p.str("release", "tag_name"), p.str("release", "html_url"), repo), nil
	case "workflow_run":
		if action != "completed" {
			break
		}
		return fmt.Sprintf("Workflow **%s** %s for `%s` ([run](%s))", p.str("workflow_run", "name"),
			p.str("workflow_run", "conclusion"), p.str("workflow_run", "head_branch"), p.str("workflow_run", "html_url")), nil
	}
	return "", ErrNotHandled
}
