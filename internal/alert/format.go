package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("chaingate: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", event.Severity)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s %s", event.SubjectType, event.SubjectID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s", event.Actor)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := event.Severity
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		severity = SeverityError
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("chaingate %s: %s", event.Type, event.Reason),
			"severity": severity,
			"source":   "chaingate",
			"custom_details": map[string]any{
				"subject_type": event.SubjectType,
				"subject_id":   event.SubjectID,
				"actor":        event.Actor,
				"tier":         event.Tier,
				"reason":       event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}
