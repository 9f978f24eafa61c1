package webhooks

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/httpserver"
	"github.com/cordum/hookbridge/core/infra/logging"
)

const (
	errHookNotFound  = "Webhook not found"
	errHookFailed    = "Failed to process webhook"
	errHookDisabled  = "Generic webhooks are disabled"
	errInvalidBody   = "Invalid request body"
	errGetNotAllowed = "GET requests are not enabled for webhooks"
)

// genericReply is the JSON body returned to generic hook callers.
type genericReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleGeneric(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	if !cfg.Generic.Enabled {
		httpserver.WriteJSON(w, http.StatusNotFound, genericReply{Error: errHookDisabled})
		return
	}
	if r.Method == http.MethodGet && !cfg.Generic.EnableHTTPGet {
		httpserver.WriteJSON(w, http.StatusMethodNotAllowed, genericReply{Error: errGetNotAllowed})
		return
	}
	hookID := strings.TrimSpace(r.PathValue("hookId"))
	if hookID == "" {
		httpserver.WriteJSON(w, http.StatusNotFound, genericReply{Error: errHookNotFound})
		return
	}
	contentType, data, err := genericData(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge, genericReply{Error: err.Error()})
			return
		}
		httpserver.WriteJSON(w, http.StatusBadRequest, genericReply{Error: errInvalidBody})
		return
	}
	env, err := bus.NewEnvelope(events.GenericWebhook, BusSender, events.GenericHookRequest{
		HookID:      hookID,
		Method:      r.Method,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, genericReply{Error: errHookFailed})
		return
	}
	raw, err := s.bus.PublishAndAwait(r.Context(), env, cfg.Webhook.Await())
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			logging.Warn("webhooks", "generic hook still processing", "message_id", env.MessageID)
			httpserver.WriteJSON(w, http.StatusAccepted, genericReply{OK: true})
			return
		}
		logging.Error("webhooks", "generic hook request failed", "message_id", env.MessageID, "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, genericReply{Error: errHookFailed})
		return
	}
	var resp events.GenericHookResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		httpserver.WriteJSON(w, http.StatusInternalServerError, genericReply{Error: errHookFailed})
		return
	}
	switch {
	case resp.NotFound:
		msg := resp.Error
		if msg == "" || msg == "Unknown hook" {
			msg = errHookNotFound
		}
		httpserver.WriteJSON(w, http.StatusNotFound, genericReply{Error: msg})
	case resp.Successful != nil && !*resp.Successful:
		msg := resp.Error
		if msg == "" {
			msg = errHookFailed
		}
		httpserver.WriteJSON(w, http.StatusInternalServerError, genericReply{Error: msg})
	case resp.Successful == nil:
		httpserver.WriteJSON(w, http.StatusAccepted, genericReply{OK: true})
	default:
		httpserver.WriteJSON(w, http.StatusOK, genericReply{OK: true})
	}
}

// genericData converts the request into the JSON value handed to the hook:
// JSON bodies pass through, form bodies and GET queries become objects and
// anything else becomes a string.
func genericData(r *http.Request) (string, json.RawMessage, error) {
	if r.Method == http.MethodGet {
		raw, err := json.Marshal(flattenValues(r.URL.Query()))
		return "", raw, err
	}
	body, err := readBody(r)
	if err != nil {
		return "", nil, err
	}
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if len(strings.TrimSpace(string(body))) == 0 {
			return mediaType, json.RawMessage(`null`), nil
		}
		if !json.Valid(body) {
			return "", nil, errors.New("invalid JSON")
		}
		return mediaType, json.RawMessage(body), nil
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return "", nil, err
		}
		raw, err := json.Marshal(flattenValues(values))
		return mediaType, raw, err
	default:
		raw, err := json.Marshal(string(body))
		return mediaType, raw, err
	}
}

// flattenValues keeps single values as strings and repeated keys as lists.
func flattenValues(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			out[key] = vals[0]
			continue
		}
		out[key] = vals
	}
	return out
}
