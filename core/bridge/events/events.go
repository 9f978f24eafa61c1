// Package events defines the bus payloads exchanged between the webhook,
// bridge and sender roles.
package events

import (
	"encoding/json"
	"strings"
)

// Event names and families carried on the bus.
const (
	GenericWebhook = "generic-webhook.event"
	MatrixMessage  = "matrix.message"

	ServiceGitHub  = "github"
	ServiceGitLab  = "gitlab"
	ServiceGeneric = "generic"
)

// ProviderEventName joins service, provider event and optional action into
// a dot-namespaced event name.
func ProviderEventName(service, event, action string) string {
	name := service + "." + sanitize(event)
	if action = sanitize(action); action != "" {
		name += "." + action
	}
	return name
}

func sanitize(part string) string {
	part = strings.ToLower(strings.TrimSpace(part))
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", "?", "_").Replace(part)
}

// ProviderEvent is a verified provider webhook.
type ProviderEvent struct {
	Service    string          `json:"service"`
	EventName  string          `json:"eventName"`
	RoutingKey string          `json:"routingKey"`
	DeliveryID string          `json:"deliveryId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// GenericHookRequest is published for each request to a generic hook.
type GenericHookRequest struct {
	HookID      string          `json:"hookId"`
	Method      string          `json:"method"`
	ContentType string          `json:"contentType,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// GenericHookResponse answers a GenericHookRequest. A nil Successful means
// the request was accepted for later processing.
type GenericHookResponse struct {
	Successful *bool  `json:"successful,omitempty"`
	NotFound   bool   `json:"notFound,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Bool returns a pointer for GenericHookResponse.Successful.
func Bool(v bool) *bool { return &v }

// MatrixMessageRequest asks the sender role to send one event.
type MatrixMessageRequest struct {
	RoomID  string          `json:"roomId"`
	Sender  string          `json:"sender,omitempty"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MatrixMessageResponse reports the sent event id.
type MatrixMessageResponse struct {
	EventID string `json:"eventId"`
}
