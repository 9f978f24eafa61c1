package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/logging"
)

const (
	headerGitHubEvent     = "X-GitHub-Event"
	headerGitHubSignature = "X-Hub-Signature-256"
	headerGitHubDelivery  = "X-GitHub-Delivery"
	signaturePrefix       = "sha256="
)

// SignGitHub returns the X-Hub-Signature-256 value for body.
func SignGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func verifyGitHub(secret, signature string, body []byte) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(SignGitHub(secret, body)))
}

type githubEnvelope struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	gh := s.config().GitHub
	if gh == nil || gh.WebhookSecret == "" {
		http.Error(w, "GitHub webhooks are not configured", http.StatusNotFound)
		return
	}
	event := strings.TrimSpace(r.Header.Get(headerGitHubEvent))
	signature := strings.TrimSpace(r.Header.Get(headerGitHubSignature))
	if event == "" || signature == "" {
		http.Error(w, "missing GitHub event or signature header", http.StatusBadRequest)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if !verifyGitHub(gh.WebhookSecret, signature, body) {
		logging.Warn("webhooks", "github signature mismatch", "event", event, "remote", r.RemoteAddr)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}
	var head githubEnvelope
	if err := json.Unmarshal(body, &head); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event == "ping" {
		_, _ = w.Write([]byte(okBody))
		return
	}
	delivery := r.Header.Get(headerGitHubDelivery)
	if !s.claim(r.Context(), events.ServiceGitHub, delivery) {
		logging.Debug("webhooks", "duplicate github delivery", "delivery", delivery)
		_, _ = w.Write([]byte(okBody))
		return
	}
	ev := events.ProviderEvent{
		Service:    events.ServiceGitHub,
		EventName:  events.ProviderEventName(events.ServiceGitHub, event, head.Action),
		RoutingKey: strings.ToLower(head.Repository.FullName),
		DeliveryID: delivery,
		Payload:    json.RawMessage(body),
	}
	if !s.publish(r.Context(), w, ev) {
		s.unclaim(r.Context(), events.ServiceGitHub, delivery)
		return
	}
	_, _ = w.Write([]byte(okBody))
}
