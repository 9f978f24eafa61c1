package webhooks

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/logging"
)

const (
	headerGitLabToken = "X-Gitlab-Token"
	headerGitLabUUID  = "X-Gitlab-Event-UUID"
)

type gitlabEnvelope struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		Action string `json:"action"`
	} `json:"object_attributes"`
	Project struct {
		WebURL            string `json:"web_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

func (s *Server) handleGitLab(w http.ResponseWriter, r *http.Request) {
	gl := s.config().GitLab
	if gl == nil || gl.WebhookSecret == "" {
		http.Error(w, "GitLab webhooks are not configured", http.StatusNotFound)
		return
	}
	token := r.Header.Get(headerGitLabToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(gl.WebhookSecret)) != 1 {
		logging.Warn("webhooks", "gitlab token mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var head gitlabEnvelope
	if err := json.Unmarshal(body, &head); err != nil || head.ObjectKind == "" {
		http.Error(w, "invalid GitLab payload", http.StatusBadRequest)
		return
	}
	instance, ok := gl.InstanceForURL(head.Project.WebURL)
	if !ok {
		logging.Warn("webhooks", "gitlab event from unknown instance", "url", head.Project.WebURL)
		_, _ = w.Write([]byte(okBody))
		return
	}
	delivery := r.Header.Get(headerGitLabUUID)
	if !s.claim(r.Context(), events.ServiceGitLab, delivery) {
		_, _ = w.Write([]byte(okBody))
		return
	}
	ev := events.ProviderEvent{
		Service:    events.ServiceGitLab,
		EventName:  events.ProviderEventName(events.ServiceGitLab, head.ObjectKind, head.ObjectAttributes.Action),
		RoutingKey: connections.GitLabRoutingKey(instance, strings.TrimSpace(head.Project.PathWithNamespace)),
		DeliveryID: delivery,
		Payload:    json.RawMessage(body),
	}
	if !s.publish(r.Context(), w, ev) {
		s.unclaim(r.Context(), events.ServiceGitLab, delivery)
		return
	}
	_, _ = w.Write([]byte(okBody))
}
