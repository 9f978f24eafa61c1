package connections

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cordum/hookbridge/core/bridge/sandbox"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/schema"
	"github.com/cordum/hookbridge/core/infra/secrets"
	"github.com/cordum/hookbridge/core/infra/state"
)

//go:embed schema/*.json
var stateSchemaFS embed.FS

// Deps are the collaborators shared by connection instances.
type Deps struct {
	Store     state.Store
	Messenger Messenger
	Sandbox   *sandbox.Sandbox
	// Config returns the current bridge config; it changes on reload.
	Config   func() *config.BridgeConfig
	Redactor *secrets.Redactor
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Redactor == nil {
		d.Redactor = secrets.NewRedactor()
	}
	if d.Config == nil {
		empty := &config.BridgeConfig{}
		d.Config = func() *config.BridgeConfig { return empty }
	}
	if d.Sandbox == nil {
		d.Sandbox = sandbox.New(0, nil)
	}
	return d
}

// Type describes one recognized connection event type.
type Type struct {
	EventType string
	Service   string
	Name      string

	schemaFile string
	// stateKey derives the state key for content created by provisioning.
	stateKey func(content json.RawMessage) (string, error)
	// connectionID derives the grant id of a connection.
	connectionID func(stateKey string, content json.RawMessage) (string, error)
	// checkNew applies extra rules to configuration submitted through
	// provisioning.
	checkNew func(deps Deps, content json.RawMessage) error
	build    func(ctx context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (Connection, error)
}

var registeredTypes = map[string]*Type{}

func registerType(t *Type) {
	registeredTypes[t.EventType] = t
}

// LookupType returns the type registered for eventType.
func LookupType(eventType string) (*Type, bool) {
	t, ok := registeredTypes[eventType]
	return t, ok
}

// Types lists the registered types ordered by event type.
func Types() []*Type {
	out := make([]*Type, 0, len(registeredTypes))
	for _, t := range registeredTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

// Validate checks content against the type's state schema.
func (t *Type) Validate(content json.RawMessage) error {
	schemaBytes, err := stateSchemaFS.ReadFile(t.schemaFile)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", t.Name, err)
	}
	if err := schema.ValidateSchema(t.EventType, schemaBytes, content); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// StateKey derives the state key for new content.
func (t *Type) StateKey(content json.RawMessage) (string, error) {
	return t.stateKey(content)
}

// ConnectionID derives the grant id for a connection of this type.
func (t *Type) ConnectionID(stateKey string, content json.RawMessage) (string, error) {
	return t.connectionID(stateKey, content)
}

// CheckNew validates content submitted for creation or update.
func (t *Type) CheckNew(deps Deps, content json.RawMessage) error {
	if err := t.Validate(content); err != nil {
		return err
	}
	if t.checkNew == nil {
		return nil
	}
	return t.checkNew(deps.withDefaults(), content)
}

// Build validates content and constructs a connection.
func (t *Type) Build(ctx context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (Connection, error) {
	if err := t.Validate(content); err != nil {
		return nil, err
	}
	return t.build(ctx, deps.withDefaults(), roomID, stateKey, content)
}
