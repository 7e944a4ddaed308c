package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// batchOutput is the operator view of one batch
type batchOutput struct {
	BatchID           string             `json:"batch_id"`
	Status            string             `json:"status"`
	Patients          int                `json:"patients"`
	PatientsProcessed int                `json:"patients_processed"`
	AggregatorID      string             `json:"aggregator_id,omitempty"`
	RunCount          int                `json:"run_count"`
	Updated           string             `json:"updated_at"`
	Results           []domain.JobResult `json:"results"`
	Files             int                `json:"files"`
}

type jobOutput struct {
	JobID   string        `json:"job_id"`
	Status  string        `json:"status"`
	Batches []batchOutput `json:"batches"`
}

type resubmitOutput struct {
	JobID       string   `json:"job_id"`
	Resubmitted []string `json:"resubmitted"`
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and resubmit jobs",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's status and its batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobID, err := cmd.Flags().GetString(flagJobID)
			if err != nil {
				return fmt.Errorf("error getting job ID flag: %w", err)
			}

			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				batches, err := s.queue.GetJobBatches(ctx, jobID)
				if err != nil {
					return fmt.Errorf("error getting job: %w", err)
				}
				if len(batches) == 0 {
					return fmt.Errorf("job %s not found", jobID)
				}

				output := jobOutput{
					JobID:   jobID,
					Status:  string(domain.JobStatusOf(batches)),
					Batches: make([]batchOutput, len(batches)),
				}
				for i, b := range batches {
					output.Batches[i] = batchOutput{
						BatchID:           b.BatchID,
						Status:            string(b.Status),
						Patients:          len(b.Patients),
						PatientsProcessed: b.PatientsProcessed(),
						AggregatorID:      b.AggregatorID,
						RunCount:          b.RunCount,
						Updated:           b.UpdateTime.Format(time.RFC3339),
						Results:           b.CurrentResults(),
						Files:             len(b.Files),
					}
				}
				return printJSON(cmd, output)
			})
		},
	}
	statusCmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = statusCmd.MarkFlagRequired(flagJobID)

	resubmitCmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Requeue failed batches from scratch",
		Long: `Requeue one batch (--batch-id) or every failed batch of a job (--id).
Only FAILED batches are requeued unless --force is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobID, _ := cmd.Flags().GetString(flagJobID)
			batchID, _ := cmd.Flags().GetString(flagBatchID)
			force, _ := cmd.Flags().GetBool(flagForce)
			if (jobID == "") == (batchID == "") {
				return fmt.Errorf("exactly one of --%s or --%s is required", flagJobID, flagBatchID)
			}

			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				out, err := resubmit(ctx, s, jobID, batchID, force)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			})
		},
	}
	resubmitCmd.Flags().StringP(flagJobID, "i", "", "Job ID; resubmits every failed batch")
	resubmitCmd.Flags().StringP(flagBatchID, "b", "", "Batch ID")
	resubmitCmd.Flags().Bool(flagForce, false, "Requeue batches that are not FAILED")

	jobsCmd.AddCommand(statusCmd, resubmitCmd)
	return jobsCmd
}

func resubmit(ctx context.Context, s *session, jobID, batchID string, force bool) (*resubmitOutput, error) {
	if batchID != "" {
		b, err := s.queue.GetBatch(ctx, batchID)
		if errors.Is(err, domain.ErrBatchNotFound) {
			return nil, fmt.Errorf("batch %s not found", batchID)
		}
		if err != nil {
			return nil, fmt.Errorf("error getting batch: %w", err)
		}
		err = s.queue.RestartBatch(ctx, batchID, force)
		if errors.Is(err, domain.ErrBatchNotFailed) {
			return nil, fmt.Errorf("%w, use --%s to requeue it anyway", err, flagForce)
		}
		if err != nil {
			return nil, fmt.Errorf("error restarting batch %s: %w", batchID, err)
		}
		out := &resubmitOutput{JobID: b.JobID, Resubmitted: []string{batchID}}
		notifyResubmitted(ctx, s, out)
		return out, nil
	}

	batches, err := s.queue.GetJobBatches(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("error getting job: %w", err)
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	out := &resubmitOutput{JobID: jobID, Resubmitted: []string{}}
	for _, b := range batches {
		if b.Status != domain.JobStatusFailed && !force {
			continue
		}
		err := s.queue.RestartBatch(ctx, b.BatchID, force)
		if errors.Is(err, domain.ErrBatchNotFailed) {
			// moved on since it was listed
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error restarting batch %s: %w", b.BatchID, err)
		}
		out.Resubmitted = append(out.Resubmitted, b.BatchID)
	}
	notifyResubmitted(ctx, s, out)
	return out, nil
}

func notifyResubmitted(ctx context.Context, s *session, out *resubmitOutput) {
	if len(out.Resubmitted) == 0 {
		return
	}
	if err := s.publisher.NotifyJobSubmitted(ctx, out.JobID, len(out.Resubmitted)); err != nil {
		// Engines poll, so the batches still run.
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}
