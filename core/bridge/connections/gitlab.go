package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
)

// TypeGitLabRepo is the state event type of GitLab repository connections.
const TypeGitLabRepo = "org.hookbridge.gitlab.repository"

const defaultGitLabPrefix = "!gl"

var gitlabHooks = []string{"merge_request", "push", "issue", "tag_push"}

// GitLabEvents lists the provider event names GitLab connections render.
var GitLabEvents = []string{
	"gitlab.merge_request.open",
	"gitlab.merge_request.close",
	"gitlab.merge_request.merge",
	"gitlab.merge_request.reopen",
	"gitlab.push",
	"gitlab.issue.open",
	"gitlab.issue.close",
	"gitlab.issue.reopen",
	"gitlab.tag_push",
}

// GitLabRepoState is the persisted configuration.
type GitLabRepoState struct {
	Instance      string   `json:"instance"`
	Path          string   `json:"path"`
	IgnoreHooks   []string `json:"ignoreHooks,omitempty"`
	CommandPrefix string   `json:"commandPrefix,omitempty"`
	Priority      int      `json:"priority,omitempty"`
}

func (s GitLabRepoState) routingKey() string {
	return strings.ToLower(s.Instance + "/" + s.Path)
}

// GitLabRoutingKey joins an instance name and project path the way GitLab
// connections match them.
func GitLabRoutingKey(instance, path string) string {
	return GitLabRepoState{Instance: instance, Path: path}.routingKey()
}

func init() {
	registerType(&Type{
		EventType:  TypeGitLabRepo,
		Service:    events.ServiceGitLab,
		Name:       "GitLab repository",
		schemaFile: "schema/gitlab.schema.json",
		stateKey: func(content json.RawMessage) (string, error) {
			var s GitLabRepoState
			if err := decodeState(content, &s); err != nil {
				return "", err
			}
			return s.routingKey(), nil
		},
		connectionID: func(_ string, content json.RawMessage) (string, error) {
			var s GitLabRepoState
			if err := decodeState(content, &s); err != nil {
				return "", err
			}
			return "gitlab:" + s.routingKey(), nil
		},
		build: func(_ context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (Connection, error) {
			return NewGitLabRepoConnection(deps, roomID, stateKey, content)
		},
	})
}

// GitLabRepoConnection posts events of one GitLab project.
type GitLabRepoConnection struct {
	repoBase
	state    GitLabRepoState
	commands map[string]Command
}

// NewGitLabRepoConnection builds a connection from validated state. The
// instance must be configured.
func NewGitLabRepoConnection(deps Deps, roomID, stateKey string, content json.RawMessage) (*GitLabRepoConnection, error) {
	deps = deps.withDefaults()
	var s GitLabRepoState
	if err := decodeState(content, &s); err != nil {
		return nil, err
	}
	if err := checkInstance(deps, s.Instance); err != nil {
		return nil, err
	}
	if s.CommandPrefix == "" {
		s.CommandPrefix = defaultGitLabPrefix
	}
	c := &GitLabRepoConnection{
		repoBase: repoBase{
			deps:      deps,
			roomID:    roomID,
			stateKey:  stateKey,
			eventType: TypeGitLabRepo,
			service:   events.ServiceGitLab,
			id:        "gitlab:" + s.routingKey(),
			prefix:    s.CommandPrefix,
		},
		state: s,
	}
	c.commands = repoCommands(c, gitlabHooks)
	return c, nil
}

func checkInstance(deps Deps, instance string) error {
	cfg := deps.Config()
	if cfg == nil || cfg.GitLab == nil {
		return invalid("instance", "GitLab is not configured")
	}
	if _, ok := cfg.GitLab.Instances[instance]; !ok {
		return invalid("instance", "unknown GitLab instance %q", instance)
	}
	return nil
}

func (c *GitLabRepoConnection) Priority() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Priority
}

func (c *GitLabRepoConnection) Commands() map[string]Command { return c.commands }

func (c *GitLabRepoConnection) InterestedIn(eventName, routingKey string) bool {
	if !strings.HasPrefix(eventName, events.ServiceGitLab+".") {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !strings.EqualFold(routingKey, c.state.routingKey()) {
		return false
	}
	return !hookIgnored(c.state.IgnoreHooks, events.ServiceGitLab, eventName)
}

func (c *GitLabRepoConnection) HandleStateUpdate(ctx context.Context, content json.RawMessage) error {
	var next GitLabRepoState
	if err := decodeState(content, &next); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if next.routingKey() != c.state.routingKey() {
		return invalid("path", "instance and path cannot be changed")
	}
	if next.CommandPrefix == "" {
		next.CommandPrefix = defaultGitLabPrefix
	}
	c.state = next
	c.prefix = next.CommandPrefix
	return nil
}

func (c *GitLabRepoConnection) Describe(bool) Description {
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

func (c *GitLabRepoConnection) ignored() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.state.IgnoreHooks)
}

func (c *GitLabRepoConnection) setIgnored(ctx context.Context, hooks []string) error {
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

func (c *GitLabRepoConnection) status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ignored := "none"
	if len(c.state.IgnoreHooks) > 0 {
		ignored = strings.Join(c.state.IgnoreHooks, ", ")
	}
	return fmt.Sprintf("Connected to GitLab project **%s** on %s. Ignored hooks: %s", c.state.Path, c.state.Instance, ignored)
}

func (c *GitLabRepoConnection) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	if c.closed.Load() {
		return nil
	}
	p, err := decodePayload(ev.Payload)
	if err != nil {
		return err
	}
	text, err := renderGitLab(ev.EventName, p)
	if err != nil || text == "" {
		return err
	}
	return c.notice(ctx, text)
}

var gitlabVerbs = map[string]string{
	"open":   "opened",
	"close":  "closed",
	"merge":  "merged",
	"reopen": "reopened",
}

func renderGitLab(eventName string, p payload) (string, error) {
	project := p.str("project", "path_with_namespace")
	family, action, _ := strings.Cut(strings.TrimPrefix(eventName, "gitlab."), ".")
	switch family {
	case "merge_request":
		verb, ok := gitlabVerbs[action]
		if !ok {
			break
		}
		return fmt.Sprintf("**%s** %s MR [%s!%d](%s): %q", p.str("user", "username"), verb, project,
			p.num("object_attributes", "iid"), p.str("object_attributes", "url"), p.str("object_attributes", "title")), nil
	case "issue":
		verb, ok := gitlabVerbs[action]
		if !ok || action == "merge" {
			break
		}
		return fmt.Sprintf("**%s** %s issue [%s#%d](%s): %q", p.str("user", "username"), verb, project,
			p.num("object_attributes", "iid"), p.str("object_attributes", "url"), p.str("object_attributes", "title")), nil
	case "push":
		count := p.num("total_commits_count")
		if count == 0 {
			return "", nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "**%s** pushed %s to `%s` of %s", p.str("user_username"), plural(count, "commit"), shortRef(p.str("ref")), project)
		for i, commit := range p.list("commits") {
			if i == 5 {
				break
			}
			if m, ok := commit.(map[string]any); ok {
				title, _ := m["title"].(string)
				if title == "" {
					title, _ = m["message"].(string)
				}
				fmt.Fprintf(&b, "\n- %s", truncate(firstLine(title), 80))
			}
		}
		return b.String(), nil
	case "tag_push":
		return fmt.Sprintf("**%s** pushed tag `%s` to %s", p.str("user_username"), shortRef(p.str("ref")), project), nil
	}
	return "", ErrNotHandled
}
