package domain

import "fmt"

// JobQueueBatchFile describes one output artifact of a batch.
type JobQueueBatchFile struct {
	BatchID      string
	JobID        string
	ResourceType ResourceType
	Sequence     int
	FileName     string
	Count        int
	Checksum     []byte
	FileLength   int64
}

// Clone copies the entry including its checksum bytes.
func (f JobQueueBatchFile) Clone() JobQueueBatchFile {
	f.Checksum = append([]byte(nil), f.Checksum...)
	return f
}

// FormOutputFileName names the sequence-th file of rt for a batch.
// Batch ids keep names unique across the batches of one job.
func FormOutputFileName(batchID string, rt ResourceType, sequence int) string {
	return fmt.Sprintf("%s-%d.%s", batchID, sequence, rt.Path())
}

// JobSubmittedMessage is published after a job's batches are queued.
type JobSubmittedMessage struct {
	JobID   string `json:"job_id"`
	Batches int    `json:"batches"`
}
