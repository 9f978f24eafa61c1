package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/logging"
)

// repoBase holds what GitHub and GitLab repository connections share:
// identity, hook filtering and the ignore/status command set.
type repoBase struct {
	deps      Deps
	roomID    string
	stateKey  string
	eventType string
	service   string
	id        string
	prefix    string

	mu     sync.RWMutex
	closed atomic.Bool
}

func (r *repoBase) ID() string       { return r.id }
func (r *repoBase) Type() string     { return r.eventType }
func (r *repoBase) Service() string  { return r.service }
func (r *repoBase) RoomID() string   { return r.roomID }
func (r *repoBase) StateKey() string { return r.stateKey }

func (r *repoBase) CommandPrefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

func (r *repoBase) HandleChatMessage(context.Context, ChatMessage) (bool, error) {
	return false, ErrNotHandled
}

func (r *repoBase) OnRemove(context.Context) error { return nil }

func (r *repoBase) Close() { r.closed.Store(true) }

// hookIgnored reports whether eventName is covered by one of the ignore
// entries. An entry "issues" covers "github.issues" and every action below it.
func hookIgnored(ignore []string, service, eventName string) bool {
	for _, hook := range ignore {
		name := service + "." + strings.ToLower(strings.TrimSpace(hook))
		if eventName == name || strings.HasPrefix(eventName, name+".") {
			return true
		}
	}
	return false
}

func (r *repoBase) notice(ctx context.Context, text string) error {
	if r.closed.Load() {
		return nil
	}
	if r.deps.Messenger == nil {
		return fmt.Errorf("%s: no messenger configured", r.id)
	}
	if _, err := r.deps.Messenger.SendNotice(ctx, r.roomID, "", text, ""); err != nil {
		return fmt.Errorf("%s: send notice: %w", r.id, err)
	}
	return nil
}

func (r *repoBase) persist(ctx context.Context, state any) error {
	if r.deps.Store == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.deps.Store.SetState(ctx, r.roomID, r.eventType, r.stateKey, raw)
}

// ignorable is implemented by repository connections for the shared
// command set.
type ignorable interface {
	Connection
	ignored() []string
	setIgnored(ctx context.Context, hooks []string) error
	status() string
	notice(ctx context.Context, text string) error
}

// repoCommands builds help/status/ignore/unignore for conn. knownHooks
// lists the hook names accepted by ignore.
func repoCommands(conn ignorable, knownHooks []string) map[string]Command {
	cmds := map[string]Command{
		"status": {
			Help:  "Show the connection status",
			Level: permissions.LevelCommands,
			Run: func(ctx context.Context, req CommandRequest) (string, error) {
				return "", replyNotice(ctx, conn, conn.status())
			},
		},
		"ignore": {
			Help:  "<hook> Stop posting events of a hook type",
			Level: permissions.LevelManageConnections,
			Run: func(ctx context.Context, req CommandRequest) (string, error) {
				hook, err := hookArg(req.Args, knownHooks)
				if err != nil {
					return "", err
				}
				current := conn.ignored()
				if slices.Contains(current, hook) {
					return "", nil
				}
				return "", conn.setIgnored(ctx, append(current, hook))
			},
		},
		"unignore": {
			Help:  "<hook> Resume posting events of a hook type",
			Level: permissions.LevelManageConnections,
			Run: func(ctx context.Context, req CommandRequest) (string, error) {
				hook, err := hookArg(req.Args, knownHooks)
				if err != nil {
					return "", err
				}
				current := conn.ignored()
				idx := slices.Index(current, hook)
				if idx < 0 {
					return "", humanError("%s is not ignored", hook)
				}
				return "", conn.setIgnored(ctx, slices.Delete(slices.Clone(current), idx, idx+1))
			},
		},
	}
	cmds["help"] = Command{
		Help:  "Show this help",
		Level: permissions.LevelCommands,
		Run: func(ctx context.Context, req CommandRequest) (string, error) {
			return "", replyNotice(ctx, conn, helpText(conn.CommandPrefix(), cmds))
		},
	}
	return cmds
}

func hookArg(args []string, known []string) (string, error) {
	if len(args) != 1 {
		return "", humanError("expected exactly one hook name")
	}
	hook := strings.ToLower(args[0])
	for _, k := range known {
		if hook == k || strings.HasPrefix(hook, k+".") {
			return hook, nil
		}
	}
	return "", humanError("unknown hook %q, expected one of %s", hook, strings.Join(known, ", "))
}

func replyNotice(ctx context.Context, conn ignorable, text string) error {
	if err := conn.notice(ctx, text); err != nil {
		logging.Warn("connections", "notice failed", "connection", conn.ID(), "error", err)
		return &CommandError{Human: "could not send reply", Err: err}
	}
	return nil
}
