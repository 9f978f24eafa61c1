// Package permissions evaluates actor permission rules against
// (service, level) pairs. Checks are pure in-memory lookups; room
// membership used by room selectors comes from a prefetched cache.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/logging"
)

// ErrPermissionDenied is returned by Require when no rule grants access.
var ErrPermissionDenied = errors.New("permission denied")

// AnyService matches every service in a rule entry.
const AnyService = "*"

// Level is a capability level. Levels are totally ordered and a higher
// level implies every lower one.
type Level int

const (
	LevelCommands Level = iota + 1
	LevelLogin
	LevelNotifications
	LevelManageConnections
	LevelAdmin
)

var levelNames = map[Level]string{
	LevelCommands:          "commands",
	LevelLogin:             "login",
	LevelNotifications:     "notifications",
	LevelManageConnections: "manageConnections",
	LevelAdmin:             "admin",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps a configured level name to a Level.
func ParseLevel(name string) (Level, error) {
	for level, n := range levelNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown permission level %q", name)
}

// ServiceLevel grants level on service (or AnyService).
type ServiceLevel struct {
	Service string
	Level   Level
}

// Rule maps an actor selector to service levels. Selectors are "*", a
// user id ("@user:server"), a room id ("!room:server", meaning its current
// members) or a bare homeserver domain.
type Rule struct {
	Actor    string
	Services []ServiceLevel
}

// FromConfig converts configured rules.
func FromConfig(rules []config.PermissionRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		actor := strings.TrimSpace(r.Actor)
		if actor == "" {
			return nil, fmt.Errorf("permissions[%d]: empty actor", i)
		}
		rule := Rule{Actor: actor}
		for _, svc := range r.Services {
			level, err := ParseLevel(svc.Level)
			if err != nil {
				return nil, fmt.Errorf("permissions[%d]: %w", i, err)
			}
			service := strings.TrimSpace(svc.Service)
			if service == "" {
				service = AnyService
			}
			rule.Services = append(rule.Services, ServiceLevel{Service: service, Level: level})
		}
		out = append(out, rule)
	}
	return out, nil
}

// MemberFetcher lists the joined members of a room.
type MemberFetcher interface {
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
}

// Engine evaluates rules. Rules may be swapped at runtime.
type Engine struct {
	mu      sync.RWMutex
	rules   []Rule
	members *Members
}

// NewEngine returns an engine over rules. A nil members cache is replaced
// by an empty one, so room selectors match nobody until populated.
func NewEngine(rules []Rule, members *Members) *Engine {
	if members == nil {
		members = NewMembers()
	}
	return &Engine{rules: append([]Rule(nil), rules...), members: members}
}

// Members returns the membership cache consulted by room selectors.
func (e *Engine) Members() *Members {
	return e.members
}

// SetRules replaces the rule set.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	e.rules = append([]Rule(nil), rules...)
	e.mu.Unlock()
}

// Check reports whether actor holds level (or higher) for service.
// With no matching rule the answer is false.
func (e *Engine) Check(actor, service string, level Level) bool {
	if actor == "" || level <= 0 {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rules {
		if !e.actorMatches(rule.Actor, actor) {
			continue
		}
		for _, sl := range rule.Services {
			if sl.Service != AnyService && !strings.EqualFold(sl.Service, service) {
				continue
			}
			if sl.Level >= level {
				return true
			}
		}
	}
	return false
}

// Require is Check returning ErrPermissionDenied on failure.
func (e *Engine) Require(actor, service string, level Level) error {
	if e.Check(actor, service, level) {
		return nil
	}
	return fmt.Errorf("%w: %s needs %s on %s", ErrPermissionDenied, actor, level, service)
}

func (e *Engine) actorMatches(selector, actor string) bool {
	switch {
	case selector == "*":
		return true
	case strings.HasPrefix(selector, "@"):
		return selector == actor
	case strings.HasPrefix(selector, "!"):
		return e.members.Contains(selector, actor)
	default:
		return serverName(actor) == selector
	}
}

// RoomsToPrefetch lists the rooms named by room selectors.
func (e *Engine) RoomsToPrefetch() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	var rooms []string
	for _, rule := range e.rules {
		if !strings.HasPrefix(rule.Actor, "!") {
			continue
		}
		if _, ok := seen[rule.Actor]; ok {
			continue
		}
		seen[rule.Actor] = struct{}{}
		rooms = append(rooms, rule.Actor)
	}
	return rooms
}

// Prefetch loads membership for every room selector. Rooms that fail to
// load are logged and left empty.
func (e *Engine) Prefetch(ctx context.Context, fetcher MemberFetcher) {
	if fetcher == nil {
		return
	}
	for _, room := range e.RoomsToPrefetch() {
		users, err := fetcher.JoinedMembers(ctx, room)
		if err != nil {
			logging.Warn("permissions", "membership prefetch failed", "room", room, "error", err)
			continue
		}
		e.members.Set(room, users)
	}
}

func serverName(userID string) string {
	if idx := strings.Index(userID, ":"); idx >= 0 {
		return userID[idx+1:]
	}
	return ""
}
