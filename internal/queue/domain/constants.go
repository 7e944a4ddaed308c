package domain

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state of a batch.
type JobStatus string

// Batch status constants
const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Claimable reports whether a batch in this state may be leased by a worker.
func (s JobStatus) Claimable() bool {
	return s == JobStatusQueued || s == JobStatusPaused
}

// Terminal reports whether the state is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ResourceType names a FHIR resource handled by the export.
type ResourceType string

const (
	// ResourcePatient is the identity category.
	ResourcePatient ResourceType = "Patient"
	// ResourceExplanationOfBenefit is the claims category.
	ResourceExplanationOfBenefit ResourceType = "ExplanationOfBenefit"
	// ResourceCoverage is the coverage category.
	ResourceCoverage ResourceType = "Coverage"
	// ResourceOperationOutcome carries structured errors. It is never requested.
	ResourceOperationOutcome ResourceType = "OperationOutcome"
)

// ExportResourceTypes lists the requestable types in canonical order.
var ExportResourceTypes = []ResourceType{
	ResourcePatient,
	ResourceExplanationOfBenefit,
	ResourceCoverage,
}

// Path is the lower-case form used in output file names.
func (r ResourceType) Path() string {
	return strings.ToLower(string(r))
}

// Exportable reports whether r may appear in an export request.
func (r ResourceType) Exportable() bool {
	for _, t := range ExportResourceTypes {
		if t == r {
			return true
		}
	}
	return false
}

// ParseResourceTypes validates requested type names. An empty list means every exportable type.
func ParseResourceTypes(names []string) ([]ResourceType, error) {
	if len(names) == 0 {
		return append([]ResourceType(nil), ExportResourceTypes...), nil
	}

	seen := make(map[ResourceType]bool, len(names))
	types := make([]ResourceType, 0, len(names))
	for _, name := range names {
		rt := ResourceType(strings.TrimSpace(name))
		if !rt.Exportable() {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedResourceType, name)
		}
		if seen[rt] {
			continue
		}
		seen[rt] = true
		types = append(types, rt)
	}
	return types, nil
}

// Scheduling priorities; lower runs first.
const (
	PrioritySinglePatient = 1000
	PriorityMultiPatient  = 5000
)
