// Package policy classifies workflows by impact so that dangerous ones are
// routed through human approval before they are created or executed.
package policy

import (
	"fmt"
	"strings"

	"workflow-orchestrator/pkg/models"
)

// externalServiceKeywords mark an http_request URL as reaching a third party
// even when it is not written as an absolute URL.
var externalServiceKeywords = []string{
	"api.",
	"webhook",
	"hooks.",
	"stripe",
	"paypal",
	"twilio",
	"sendgrid",
	"mailgun",
	"slack.com",
	"zapier",
}

// ClassifyStep returns the impact level of a single step.
func ClassifyStep(step models.WorkflowStep) models.ImpactLevel {
	switch step.Type {
	case models.StepTypeEmail:
		return models.ImpactCritical
	case models.StepTypeHTTPRequest:
		if isExternalURL(step.ConfigString("url")) {
			return models.ImpactCritical
		}
		return models.ImpactSoft
	case models.StepTypeDelay, models.StepTypeCondition:
		return models.ImpactSoft
	default:
		return models.ImpactSafe
	}
}

// Classify returns the highest impact level across all steps. The scan stops
// at the first CRITICAL step. A workflow without steps is SAFE.
func Classify(wf *models.Workflow) models.ImpactLevel {
	level := models.ImpactSafe
	if wf == nil {
		return level
	}
	for _, step := range wf.Steps {
		stepLevel := ClassifyStep(step)
		if stepLevel == models.ImpactCritical {
			return models.ImpactCritical
		}
		if stepLevel > level {
			level = stepLevel
		}
	}
	return level
}

// RequiresApproval reports whether a level must go through the approval queue.
func RequiresApproval(level models.ImpactLevel) bool {
	return level == models.ImpactCritical
}

// Reason explains why a workflow needs approval, naming the first critical step.
func Reason(wf *models.Workflow) string {
	if wf == nil {
		return ""
	}
	for _, step := range wf.Steps {
		if ClassifyStep(step) != models.ImpactCritical {
			continue
		}
		name := step.Name
		if name == "" {
			name = step.ID
		}
		switch step.Type {
		case models.StepTypeEmail:
			return fmt.Sprintf("step %q sends email", name)
		case models.StepTypeHTTPRequest:
			return fmt.Sprintf("step %q calls external URL %s", name, step.ConfigString("url"))
		}
		return fmt.Sprintf("step %q is critical", name)
	}
	return ""
}

func isExternalURL(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" {
		return false
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "//") {
		return true
	}
	for _, kw := range externalServiceKeywords {
		if strings.Contains(u, kw) {
			return true
		}
	}
	return false
}
