package domain

// JobResult is the running tally for one resource type in one batch.
type JobResult struct {
	ResourceType ResourceType `json:"resource_type"`
	Count        int          `json:"count"`
	ErrorCount   int          `json:"error_count"`
}

// AccumulateResults merges delta into existing and returns a new slice.
// Types keep the order they were first seen in; neither input is modified.
func AccumulateResults(existing, delta []JobResult) []JobResult {
	merged := make([]JobResult, 0, len(existing)+len(delta))
	index := make(map[ResourceType]int, len(existing)+len(delta))

	for _, r := range existing {
		if i, ok := index[r.ResourceType]; ok {
			merged[i].Count += r.Count
			merged[i].ErrorCount += r.ErrorCount
			continue
		}
		index[r.ResourceType] = len(merged)
		merged = append(merged, r)
	}

	for _, r := range delta {
		if i, ok := index[r.ResourceType]; ok {
			merged[i].Count += r.Count
			merged[i].ErrorCount += r.ErrorCount
			continue
		}
		index[r.ResourceType] = len(merged)
		merged = append(merged, r)
	}

	return merged
}

// FindResult returns the tally for rt, zero-valued when absent.
func FindResult(results []JobResult, rt ResourceType) JobResult {
	for _, r := range results {
		if r.ResourceType == rt {
			return r
		}
	}
	return JobResult{ResourceType: rt}
}
