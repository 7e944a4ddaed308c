package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

// ProcessorConfig holds processor dependencies and settings
type ProcessorConfig struct {
	Queue    queue.Queue
	Upstream Upstream
	Resolver bluebutton.PatientResolver
	// Consent and LookBack default to AlwaysEligible.
	Consent  ConsentChecker
	LookBack LookBackChecker
	// Sink receives finished files when set.
	Sink    Sink
	Metrics *Metrics
	Logger  *logger.Logger

	ExportPath        string
	ResourcesPerFile  int
	FetchConcurrency  int
	EncryptionEnabled bool
	ClientID          string
}

// Processor runs one claimed batch to completion, a pause or a failure.
type Processor struct {
	queue    queue.Queue
	fetcher  *Fetcher
	resolver bluebutton.PatientResolver
	consent  ConsentChecker
	lookBack LookBackChecker
	sink     Sink
	metrics  *Metrics
	logger   *logger.Logger

	exportPath        string
	resourcesPerFile  int
	fetchConcurrency  int
	encryptionEnabled bool
	clientID          string
}

// NewProcessor creates a Processor.
func NewProcessor(cfg *ProcessorConfig) *Processor {
	p := &Processor{
		queue:             cfg.Queue,
		fetcher:           NewFetcher(cfg.Upstream, cfg.Logger),
		resolver:          cfg.Resolver,
		consent:           cfg.Consent,
		lookBack:          cfg.LookBack,
		sink:              cfg.Sink,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		exportPath:        cfg.ExportPath,
		resourcesPerFile:  cfg.ResourcesPerFile,
		fetchConcurrency:  cfg.FetchConcurrency,
		encryptionEnabled: cfg.EncryptionEnabled,
		clientID:          cfg.ClientID,
	}
	if p.consent == nil {
		p.consent = AlwaysEligible{}
	}
	if p.lookBack == nil {
		p.lookBack = AlwaysEligible{}
	}
	if p.resourcesPerFile <= 0 {
		p.resourcesPerFile = 100000
	}
	if p.fetchConcurrency <= 0 {
		p.fetchConcurrency = 1
	}
	return p
}

// Process works through the batch's remaining patients, checkpointing after
// each one. It returns ErrBatchPaused when stopping reports true before the
// last patient, and nil when the batch is ready to complete. A batch that saw
// an upstream rollback is never paused; it fails instead.
func (p *Processor) Process(ctx context.Context, batch *domain.JobQueueBatch, aggregatorID string, stopping func() bool) error {
	log := logger.FromContext(ctx, p.logger)

	for _, rt := range batch.ResourceTypes {
		if !rt.Exportable() {
			return domain.NewJobQueueFailure(batch, "invalid batch", fmt.Errorf("%w: %s", domain.ErrUnsupportedResourceType, rt))
		}
	}

	out := newBatchOutput(batch, writerOptions{
		exportPath:       p.exportPath,
		resourcesPerFile: p.resourcesPerFile,
		encryptionKey:    p.encryptionKey(batch),
		sink:             p.sink,
	}, p.metrics)
	defer out.abort()

	regressed := 0
	for {
		mbi, ok, err := batch.NextPatient(aggregatorID)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		start := time.Now()
		r, err := p.processPatient(ctx, batch, out, mbi)
		if err != nil {
			return err
		}
		if r {
			regressed++
		}

		if err := out.checkpoint(); err != nil {
			return domain.NewJobQueueFailure(batch, "failed to flush output", err)
		}
		if err := p.queue.CompletePartialBatch(ctx, batch, aggregatorID); err != nil {
			return domain.NewJobQueueFailure(batch, "failed to checkpoint", err)
		}
		p.metrics.observePatient(time.Since(start))

		if stopping() && batch.PatientsProcessed() < len(batch.Patients) {
			// a paused batch resumes without this lease's regression count
			if regressed > 0 {
				log.Warn("Stop requested after upstream rollback, failing batch",
					slog.Int("patients_processed", batch.PatientsProcessed()),
					slog.Int("regressed", regressed),
				)
				return regressionFailure(batch, regressed)
			}
			log.Info("Stop requested, leaving batch at checkpoint",
				slog.Int("patients_processed", batch.PatientsProcessed()),
				slog.Int("patients", len(batch.Patients)),
			)
			return ErrBatchPaused
		}
	}

	if err := out.close(ctx); err != nil {
		return domain.NewJobQueueFailure(batch, "failed to finalize output", err)
	}

	if regressed > 0 {
		return regressionFailure(batch, regressed)
	}

	log.Info("Batch processed",
		slog.Int("patients", len(batch.Patients)),
		slog.Any("results", batch.CurrentResults()),
		slog.Int("files", len(batch.Files)),
	)
	return nil
}

func regressionFailure(batch *domain.JobQueueBatch, regressed int) error {
	return domain.NewJobQueueFailure(batch, "upstream data rolled back",
		fmt.Errorf("%w: %d patients affected", ErrTransactionTimeRegression, regressed))
}

func (p *Processor) encryptionKey(batch *domain.JobQueueBatch) string {
	if !p.encryptionEnabled {
		return ""
	}
	return batch.EncryptionKey
}

// processPatient resolves, checks and fetches one patient. regressed is true
// when a fetch saw the upstream transaction time move backwards.
func (p *Processor) processPatient(ctx context.Context, batch *domain.JobQueueBatch, out *batchOutput, mbi string) (regressed bool, err error) {
	log := logger.FromContext(ctx, p.logger)
	headers := bluebutton.RequestHeaders{
		JobID:        batch.JobID,
		ClientID:     p.clientID,
		ForwardedFor: batch.RequestingIP,
	}
	firstType := domain.ResourcePatient
	if len(batch.ResourceTypes) > 0 {
		firstType = batch.ResourceTypes[0]
	}

	patientID, err := p.resolver.ResolvePatientID(ctx, mbi, headers)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("Failed to resolve patient", slog.Any("error", err))
		return false, out.recordError(ctx, firstType, outcomeFor(domain.ResourcePatient, mbi, err))
	}

	query := EligibilityQuery{
		OrgID:       batch.OrgID,
		OrgNPI:      batch.OrgNPI,
		ProviderNPI: batch.ProviderNPI,
		PatientMBI:  mbi,
	}
	optedOut, err := p.consent.OptedOut(ctx, query)
	if err != nil {
		log.Warn("Consent check failed", slog.Any("error", err))
		return false, out.recordError(ctx, firstType, internalOutcome(mbi, fmt.Errorf("consent check failed: %w", err)))
	}
	if optedOut {
		log.Info("Patient opted out, skipping")
		return false, nil
	}

	types := make([]domain.ResourceType, 0, len(batch.ResourceTypes))
	for _, rt := range batch.ResourceTypes {
		q := query
		q.ResourceType = rt
		eligible, err := p.lookBack.Eligible(ctx, q)
		if err != nil {
			log.Warn("Look-back check failed", slog.String("resource_type", string(rt)), slog.Any("error", err))
			if err := out.recordError(ctx, rt, internalOutcome(mbi, fmt.Errorf("look-back check failed: %w", err))); err != nil {
				return false, err
			}
			continue
		}
		if eligible {
			types = append(types, rt)
		}
	}
	if len(types) == 0 {
		return false, nil
	}

	return p.fetchAll(ctx, batch, out, FetchRequest{
		PatientID:       patientID,
		Since:           batch.Since,
		TransactionTime: batch.TransactionTime,
		Headers:         headers,
	}, types)
}

type fetchedPage struct {
	requested  domain.ResourceType
	page       Page
	regression bool
}

// fetchAll fetches every type concurrently and writes the pages from the
// calling goroutine.
func (p *Processor) fetchAll(ctx context.Context, batch *domain.JobQueueBatch, out *batchOutput, base FetchRequest, types []domain.ResourceType) (bool, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(fetchCtx)
	g.SetLimit(p.fetchConcurrency)

	pages := make(chan fetchedPage)
	fetchDone := make(chan error, 1)
	go func() {
		for _, rt := range types {
			req := base
			req.ResourceType = rt
			g.Go(func() error { return p.fetchType(gctx, req, pages) })
		}
		fetchDone <- g.Wait()
		close(pages)
	}()

	var (
		writeErr  error
		regressed bool
	)
	for fp := range pages {
		if writeErr != nil {
			continue
		}
		regressed = regressed || fp.regression
		if err := out.write(ctx, fp.requested, fp.page); err != nil {
			writeErr = err
			cancel()
		}
	}
	fetchErr := <-fetchDone

	if writeErr != nil {
		return regressed, domain.NewJobQueueFailure(batch, "failed to write output", writeErr)
	}
	if fetchErr != nil {
		if ctx.Err() != nil {
			return regressed, ctx.Err()
		}
		return regressed, domain.NewJobQueueFailure(batch, "fetch failed", fetchErr)
	}
	return regressed, nil
}

// fetchType streams one fetch into pages. A transaction time regression is
// reported as an outcome page flagged for the processor.
func (p *Processor) fetchType(ctx context.Context, req FetchRequest, pages chan<- fetchedPage) error {
	send := func(fp fetchedPage) error {
		select {
		case pages <- fp:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	it := p.fetcher.Fetch(req)
	for it.Next(ctx) {
		if err := send(fetchedPage{requested: req.ResourceType, page: it.Page()}); err != nil {
			return err
		}
	}

	err := it.Err()
	if errors.Is(err, ErrTransactionTimeRegression) {
		return send(fetchedPage{
			requested:  req.ResourceType,
			page:       Page{Type: domain.ResourceOperationOutcome, Records: []json.RawMessage{internalOutcome(req.PatientID, err)}},
			regression: true,
		})
	}
	return err
}

// batchOutput owns the writers of one batch.
type batchOutput struct {
	batch   *domain.JobQueueBatch
	opts    writerOptions
	metrics *Metrics
	writers map[domain.ResourceType]*resourceWriter
}

func newBatchOutput(batch *domain.JobQueueBatch, opts writerOptions, metrics *Metrics) *batchOutput {
	return &batchOutput{
		batch:   batch,
		opts:    opts,
		metrics: metrics,
		writers: make(map[domain.ResourceType]*resourceWriter),
	}
}

func (o *batchOutput) writer(rt domain.ResourceType) *resourceWriter {
	w, ok := o.writers[rt]
	if !ok {
		w = newResourceWriter(o.batch, rt, o.opts)
		o.writers[rt] = w
	}
	return w
}

// write stores a page and counts it against the requested type.
func (o *batchOutput) write(ctx context.Context, requested domain.ResourceType, page Page) error {
	if len(page.Records) == 0 {
		return nil
	}
	if err := o.writer(page.Type).Write(ctx, page.Records); err != nil {
		return err
	}

	if page.Type == domain.ResourceOperationOutcome {
		o.batch.RecordResult(requested, 0, len(page.Records))
		o.metrics.addOutcomes(requested, len(page.Records))
		return nil
	}
	o.batch.RecordResult(requested, len(page.Records), 0)
	o.metrics.addRecords(requested, len(page.Records))
	return nil
}

func (o *batchOutput) recordError(ctx context.Context, rt domain.ResourceType, outcome json.RawMessage) error {
	return o.write(ctx, rt, Page{Type: domain.ResourceOperationOutcome, Records: []json.RawMessage{outcome}})
}

func (o *batchOutput) sortedTypes() []domain.ResourceType {
	types := make([]domain.ResourceType, 0, len(o.writers))
	for rt := range o.writers {
		types = append(types, rt)
	}
	slices.Sort(types)
	return types
}

func (o *batchOutput) checkpoint() error {
	for _, rt := range o.sortedTypes() {
		if err := o.writers[rt].Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// close finalizes every type that has output, including types only written
// by an earlier lease.
func (o *batchOutput) close(ctx context.Context) error {
	for _, f := range o.batch.Files {
		o.writer(f.ResourceType)
	}
	for _, rt := range o.sortedTypes() {
		if err := o.writers[rt].Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *batchOutput) abort() {
	for _, w := range o.writers {
		w.abort()
	}
}
