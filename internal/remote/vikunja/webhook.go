package vikunja

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// Webhook event names.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskDeleted = "task.deleted"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Vikunja-Signature"

// Webhook is a decoded webhook delivery.
type Webhook struct {
	Event        string
	Task         remote.Task
	ProjectTitle string
}

type webhookPayload struct {
	EventName string `json:"event_name"`
	Data      struct {
		Task    *webhookTask `json:"task"`
		Project *apiProject  `json:"project"`
	} `json:"data"`
}

type webhookTask struct {
	apiTask
	Project *apiProject `json:"project"`
}

// DecodeWebhook parses a webhook body. A payload without an event name,
// a task, or a project title is a validation error.
func DecodeWebhook(body []byte) (Webhook, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Webhook{}, syncerr.Wrap(syncerr.KindValidation, "decode webhook", err)
	}
	if p.EventName == "" {
		return Webhook{}, syncerr.New(syncerr.KindValidation, "decode webhook", "missing event_name")
	}
	if p.Data.Task == nil {
		return Webhook{}, syncerr.New(syncerr.KindValidation, "decode webhook", "missing data.task")
	}

	project := p.Data.Project
	if project == nil || project.Title == "" {
		project = p.Data.Task.Project
	}
	if project == nil || strings.TrimSpace(project.Title) == "" {
		return Webhook{}, syncerr.New(syncerr.KindValidation, "decode webhook", "missing project title")
	}

	rt := p.Data.Task.toRemote()
	if p.Data.Task.ID == 0 {
		rt.ID = ""
	}
	if rt.ProjectID == "" && project.ID != 0 {
		rt.ProjectID = formatID(project.ID)
	}
	return Webhook{Event: p.EventName, Task: *rt, ProjectTitle: project.Title}, nil
}

// Sign returns the signature of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the signature of body under
// secret. The comparison is constant-time.
func VerifySignature(body []byte, sig, secret string) bool {
	want, err := hex.DecodeString(Sign(body, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}
