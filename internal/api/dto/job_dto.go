package dto

import "time"

type CreateJobRequest struct {
	OrgID         string     `json:"org_id" binding:"required"`
	OrgNPI        string     `json:"org_npi"`
	ProviderID    string     `json:"provider_id" binding:"required"`
	ProviderNPI   string     `json:"provider_npi"`
	PatientIDs    []string   `json:"patient_ids"`
	ResourceTypes []string   `json:"resource_types"`
	Since         *time.Time `json:"since"`
	EncryptionKey string     `json:"encryption_key"`
	IsBulk        bool       `json:"is_bulk"`
}

type CreateJobResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	Batches         int    `json:"batches"`
	TransactionTime string `json:"transaction_time"`
}

type ListBatchesRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBatchesResponse struct {
	Batches    []BatchDTO `json:"batches"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID   string     `json:"job_id"`
	Status  string     `json:"status"`
	Batches []BatchDTO `json:"batches"`
}

type BatchDTO struct {
	BatchID           string      `json:"batch_id"`
	Status            string      `json:"status"`
	PatientCount      int         `json:"patient_count"`
	PatientsProcessed int         `json:"patients_processed"`
	SubmitTime        string      `json:"submit_time"`
	StartTime         string      `json:"start_time,omitempty"`
	CompleteTime      string      `json:"complete_time,omitempty"`
	Results           []ResultDTO `json:"results"`
	Files             []FileDTO   `json:"files"`
}

type ResultDTO struct {
	ResourceType string `json:"resource_type"`
	Count        int    `json:"count"`
	ErrorCount   int    `json:"error_count"`
}

type FileDTO struct {
	FileName     string `json:"file_name"`
	ResourceType string `json:"resource_type"`
	Sequence     int    `json:"sequence"`
	Count        int    `json:"count"`
	Checksum     string `json:"checksum"`
	FileLength   int64  `json:"file_length"`
}

type QueueDTO struct {
	Size       int64   `json:"size"`
	AgeSeconds float64 `json:"age_seconds"`
}
