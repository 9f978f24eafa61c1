// Package grants persists per-connection authorization in room account
// data. A missing grant can be re-established by a live access check; an
// explicit revocation cannot.
package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/state"
)

// KeyPrefix prefixes the account data key of a grant.
const KeyPrefix = "org.hookbridge.grant."

// ErrGrantRejected is returned when a connection is not authorized in a room.
var ErrGrantRejected = errors.New("grant rejected")

// Record is the persisted grant.
type Record struct {
	Granted bool  `json:"granted"`
	TS      int64 `json:"ts"`
}

// AccessChecker verifies live that sender may use the resource behind
// connectionID, typically through the provider's API.
type AccessChecker interface {
	HasAccess(ctx context.Context, sender, connectionID string) (bool, error)
}

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(ctx context.Context, sender, connectionID string) (bool, error)

func (f AccessFunc) HasAccess(ctx context.Context, sender, connectionID string) (bool, error) {
	return f(ctx, sender, connectionID)
}

// Checker guards connections against unauthorized use.
type Checker struct {
	store        state.Store
	isBridgeUser func(string) bool
	access       AccessChecker
	now          func() time.Time
}

// NewChecker builds a Checker. isBridgeUser recognizes the bridge's own
// virtual accounts; access runs the live check for everyone else.
func NewChecker(store state.Store, isBridgeUser func(string) bool, access AccessChecker) *Checker {
	if isBridgeUser == nil {
		isBridgeUser = func(string) bool { return false }
	}
	return &Checker{store: store, isBridgeUser: isBridgeUser, access: access, now: time.Now}
}

// Key returns the account data key for connectionID.
func Key(connectionID string) string {
	return KeyPrefix + connectionID
}

// Lookup returns the persisted grant, if any.
func (c *Checker) Lookup(ctx context.Context, roomID, connectionID string) (Record, bool, error) {
	var rec Record
	found, err := state.GetJSON(ctx, c.store, roomID, Key(connectionID), &rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("read grant %s: %w", connectionID, err)
	}
	return rec, found, nil
}

// AssertGranted succeeds when connectionID is granted in roomID. A missing
// grant is re-established for bridge users and for senders passing the
// live access check; a revoked grant always fails.
func (c *Checker) AssertGranted(ctx context.Context, roomID, connectionID, sender string) error {
	rec, found, err := c.Lookup(ctx, roomID, connectionID)
	if err != nil {
		return err
	}
	if found {
		if rec.Granted {
			return nil
		}
		return fmt.Errorf("%w: %s revoked in %s", ErrGrantRejected, connectionID, roomID)
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return fmt.Errorf("%w: %s not granted in %s", ErrGrantRejected, connectionID, roomID)
	}
	if !c.isBridgeUser(sender) {
		if c.access == nil {
			return fmt.Errorf("%w: no access check for %s", ErrGrantRejected, connectionID)
		}
		ok, err := c.access.HasAccess(ctx, sender, connectionID)
		if err != nil {
			logging.Warn("grants", "live access check failed", "room", roomID, "connection", connectionID, "sender", sender, "error", err)
			return fmt.Errorf("%w: access check: %v", ErrGrantRejected, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s has no access to %s", ErrGrantRejected, sender, connectionID)
		}
	}
	if err := c.Grant(ctx, roomID, connectionID); err != nil {
		return err
	}
	logging.Info("grants", "grant established", "room", roomID, "connection", connectionID, "sender", sender)
	return nil
}

// Grant persists granted=true. Repeated calls are harmless.
func (c *Checker) Grant(ctx context.Context, roomID, connectionID string) error {
	return c.write(ctx, roomID, connectionID, true)
}

// Revoke persists granted=false.
func (c *Checker) Revoke(ctx context.Context, roomID, connectionID string) error {
	return c.write(ctx, roomID, connectionID, false)
}

func (c *Checker) write(ctx context.Context, roomID, connectionID string, granted bool) error {
	rec := Record{Granted: granted, TS: c.now().UnixMilli()}
	if err := state.SetJSON(ctx, c.store, roomID, Key(connectionID), rec); err != nil {
		return fmt.Errorf("write grant %s: %w", connectionID, err)
	}
	return nil
}
