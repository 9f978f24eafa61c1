package connections

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/logging"
)

const defaultFanOut = 16

// Dispatch outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeDenied  = "denied"
	OutcomeSkipped = "skipped"
)

// Metrics counts dispatches and commands.
type Metrics interface {
	IncDispatch(service, outcome string)
	IncCommand(service, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncDispatch(string, string) {}
func (noopMetrics) IncCommand(string, string)  {}

// Dispatcher routes events to registry connections.
type Dispatcher struct {
	registry  *Registry
	perms     *permissions.Engine
	messenger Messenger
	metrics   Metrics
	fanOut    int
}

// NewDispatcher builds a Dispatcher. fanOut bounds concurrent deliveries of
// one provider event; zero selects a default.
func NewDispatcher(registry *Registry, perms *permissions.Engine, messenger Messenger, metrics Metrics, fanOut int) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	return &Dispatcher{registry: registry, perms: perms, messenger: messenger, metrics: metrics, fanOut: fanOut}
}

// Report summarizes one provider event fan-out.
type Report struct {
	Matched int
	Failed  int
}

// DispatchProviderEvent delivers ev to every interested connection
// concurrently. A failing or panicking connection is logged and never
// affects the others.
func (d *Dispatcher) DispatchProviderEvent(ctx context.Context, ev ProviderEvent) Report {
	matches := d.registry.Matching(ev.Service, ev.EventName, ev.RoutingKey)
	report := Report{Matched: len(matches)}
	if len(matches) == 0 {
		logging.Debug("dispatch", "no interested connections", "event", ev.EventName, "routing_key", ev.RoutingKey)
		return report
	}
	var failed atomic.Int32
	p := pool.New().WithMaxGoroutines(d.fanOut)
	for _, conn := range matches {
		p.Go(func() {
			if err := d.deliver(ctx, conn, ev); err != nil {
				failed.Add(1)
			}
		})
	}
	p.Wait()
	report.Failed = int(failed.Load())
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, conn Connection, ev ProviderEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncDispatch(ev.Service, OutcomePanic)
			logging.Error("dispatch", "connection panicked",
				"connection", conn.ID(),
				"room", conn.RoomID(),
				"event", ev.EventName,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = conn.HandleProviderEvent(ctx, ev)
	switch {
	case err == nil:
		d.metrics.IncDispatch(ev.Service, OutcomeOK)
	case errors.Is(err, ErrNotHandled):
		d.metrics.IncDispatch(ev.Service, OutcomeSkipped)
		err = nil
	default:
		d.metrics.IncDispatch(ev.Service, OutcomeError)
		logging.Error("dispatch", "connection failed to handle event",
			"connection", conn.ID(),
			"room", conn.RoomID(),
			"event", ev.EventName,
			"error", err,
		)
	}
	return err
}

// DispatchChatMessage offers msg to the commands and chat handlers of the
// room's connections. It reports whether any connection handled it.
func (d *Dispatcher) DispatchChatMessage(ctx context.Context, msg ChatMessage) bool {
	handled := false
	for _, conn := range d.registry.ForRoom(msg.RoomID) {
		if d.runCommand(ctx, conn, msg) {
			handled = true
			continue
		}
		ok, err := d.safeChat(ctx, conn, msg)
		if err != nil && !errors.Is(err, ErrNotHandled) {
			logging.Warn("dispatch", "chat handler failed", "connection", conn.ID(), "room", msg.RoomID, "error", err)
		}
		handled = handled || ok
	}
	return handled
}

func (d *Dispatcher) safeChat(ctx context.Context, conn Connection, msg ChatMessage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return conn.HandleChatMessage(ctx, msg)
}

// runCommand executes a recognized command. Unknown commands are not
// handled so ordinary chat passes through.
func (d *Dispatcher) runCommand(ctx context.Context, conn Connection, msg ChatMessage) bool {
	name, args, ok := parseCommand(conn.CommandPrefix(), msg.Body)
	if !ok {
		return false
	}
	cmd, ok := conn.Commands()[name]
	if !ok {
		return false
	}
	service := conn.Service()
	if d.perms == nil || !d.perms.Check(msg.Sender, service, cmd.Level) {
		d.metrics.IncCommand(service, OutcomeDenied)
		logging.Info("dispatch", "command denied", "connection", conn.ID(), "sender", msg.Sender, "command", name)
		d.notify(ctx, msg, noticeDenied, ReactionDenied)
		return true
	}
	reaction, err := d.invokeCommand(ctx, cmd, CommandRequest{Message: msg, Args: args})
	if err != nil {
		d.metrics.IncCommand(service, OutcomeError)
		logging.Warn("dispatch", "command failed", "connection", conn.ID(), "command", name, "error", err)
		d.notify(ctx, msg, failureNotice(err), ReactionFailed)
		return true
	}
	d.metrics.IncCommand(service, OutcomeOK)
	if reaction == "" {
		reaction = ReactionSuccess
	}
	d.react(ctx, msg, reaction)
	return true
}

func (d *Dispatcher) invokeCommand(ctx context.Context, cmd Command, req CommandRequest) (reaction string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cmd.Run(ctx, req)
}

func (d *Dispatcher) notify(ctx context.Context, msg ChatMessage, notice, reaction string) {
	if d.messenger == nil {
		return
	}
	if _, err := d.messenger.SendNotice(ctx, msg.RoomID, "", notice, ""); err != nil {
		logging.Warn("dispatch", "failed to send notice", "room", msg.RoomID, "error", err)
	}
	d.react(ctx, msg, reaction)
}

func (d *Dispatcher) react(ctx context.Context, msg ChatMessage, reaction string) {
	if d.messenger == nil || msg.EventID == "" {
		return
	}
	if _, err := d.messenger.SendReaction(ctx, msg.RoomID, msg.EventID, reaction); err != nil {
		logging.Warn("dispatch", "failed to react", "room", msg.RoomID, "event_id", msg.EventID, "error", err)
	}
}
