package aggregation

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

type operationOutcome struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Issue        []outcomeIssue `json:"issue"`
}

type outcomeIssue struct {
	Severity string         `json:"severity"`
	Code     string         `json:"code"`
	Details  outcomeDetails `json:"details"`
	Location []string       `json:"location"`
}

type outcomeDetails struct {
	Text string `json:"text"`
}

// Issue codes
const (
	issueException = "exception"
	issueNotFound  = "not-found"
)

// newOutcome renders one OperationOutcome record about a patient.
func newOutcome(code, patientID, details string) json.RawMessage {
	raw, err := json.Marshal(operationOutcome{
		ResourceType: string(domain.ResourceOperationOutcome),
		ID:           uuid.NewString(),
		Issue: []outcomeIssue{{
			Severity: "error",
			Code:     code,
			Details:  outcomeDetails{Text: details},
			Location: []string{"Patient", "id", patientID},
		}},
	})
	if err != nil {
		// the struct above always marshals
		panic(fmt.Sprintf("marshal operation outcome: %v", err))
	}
	return raw
}

func notFoundOutcome(rt domain.ResourceType, patientID string) json.RawMessage {
	return newOutcome(issueNotFound, patientID,
		fmt.Sprintf("%s resource not found in Blue Button for id: %s", rt, patientID))
}

func statusOutcome(rt domain.ResourceType, patientID string, statusCode int) json.RawMessage {
	return newOutcome(issueException, patientID,
		fmt.Sprintf("Blue Button error fetching %s resource. HTTP return code: %d", rt, statusCode))
}

func internalOutcome(patientID string, err error) json.RawMessage {
	return newOutcome(issueException, patientID, fmt.Sprintf("Internal error: %s", err))
}
