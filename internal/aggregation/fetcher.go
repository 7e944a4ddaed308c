package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

// Upstream is the paginated search surface of the source-of-truth service.
type Upstream interface {
	Search(ctx context.Context, rt domain.ResourceType, params bluebutton.SearchParams) (*bluebutton.Bundle, error)
	Next(ctx context.Context, bundle *bluebutton.Bundle, headers bluebutton.RequestHeaders) (*bluebutton.Bundle, error)
}

var mbiPattern = regexp.MustCompile(`^[1-9][AC-HJKMNP-RT-Y][AC-HJKMNP-RT-Y0-9][0-9][AC-HJKMNP-RT-Y][AC-HJKMNP-RT-Y0-9][0-9][AC-HJKMNP-RT-Y]{2}[0-9]{2}$`)

// ValidMBI reports whether s is a well-formed Medicare beneficiary identifier.
func ValidMBI(s string) bool {
	return mbiPattern.MatchString(s)
}

// Page is one upstream page. Type is OperationOutcome when the page stands
// in for a failed fetch.
type Page struct {
	Type    domain.ResourceType
	Records []json.RawMessage
}

// FetchRequest identifies one (patient, resource type) fetch.
type FetchRequest struct {
	PatientID       string
	ResourceType    domain.ResourceType
	Since           *time.Time
	TransactionTime time.Time
	Headers         bluebutton.RequestHeaders
}

// Fetcher turns upstream searches into page iterators.
type Fetcher struct {
	upstream Upstream
	logger   *logger.Logger
}

// NewFetcher creates a Fetcher. Logging goes to the logger carried by the
// fetch context, falling back to log.
func NewFetcher(upstream Upstream, log *logger.Logger) *Fetcher {
	return &Fetcher{upstream: upstream, logger: log}
}

// Fetch returns a lazy iterator over every page of the request. Nothing is
// requested until the first call to Next.
func (f *Fetcher) Fetch(req FetchRequest) *PageIterator {
	return &PageIterator{fetcher: f, req: req}
}

// PageIterator walks the pages of one fetch. It is consumed once:
//
//	it := fetcher.Fetch(req)
//	for it.Next(ctx) {
//		page := it.Page()
//	}
//	if err := it.Err(); err != nil { ... }
//
// Data-shaped failures (not found, upstream status, unexpected records)
// surface as a single OperationOutcome page. Err only reports problems with
// the request itself: an unsupported resource type, a transaction time
// regression, or cancellation.
type PageIterator struct {
	fetcher *Fetcher
	req     FetchRequest

	started bool
	last    bool
	done    bool
	bundle  *bluebutton.Bundle
	page    Page
	err     error
}

// Next advances to the next page.
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done || it.last {
		it.done = true
		return false
	}

	var (
		bundle *bluebutton.Bundle
		err    error
	)
	if !it.started {
		it.started = true
		bundle, err = it.fetcher.upstream.Search(ctx, it.req.ResourceType, bluebutton.SearchParams{
			PatientID:       it.req.PatientID,
			Since:           it.req.Since,
			TransactionTime: it.req.TransactionTime,
			Headers:         it.req.Headers,
		})
	} else {
		bundle, err = it.fetcher.upstream.Next(ctx, it.bundle, it.req.Headers)
	}
	if err != nil {
		return it.fail(ctx, err)
	}
	if bundle == nil {
		it.done = true
		return false
	}

	if tt := bundle.TransactionTime(); tt != nil && tt.Before(it.req.TransactionTime) {
		logger.FromContext(ctx, it.fetcher.logger).Error("Upstream transaction time regression",
			slog.Time("upstream_time", *tt),
			slog.Time("job_time", it.req.TransactionTime),
			slog.String("resource_type", string(it.req.ResourceType)),
		)
		it.err = fmt.Errorf("%w: upstream %s is before %s", ErrTransactionTimeRegression,
			tt.Format(time.RFC3339), it.req.TransactionTime.Format(time.RFC3339))
		it.done = true
		return false
	}

	records, err := it.records(ctx, bundle)
	if err != nil {
		return it.fail(ctx, err)
	}

	it.bundle = bundle
	it.last = bundle.NextURL() == ""
	it.page = Page{Type: it.req.ResourceType, Records: records}
	return true
}

// Page returns the current page.
func (it *PageIterator) Page() Page {
	return it.page
}

// Err returns the error that ended iteration, if it was fatal.
func (it *PageIterator) Err() error {
	return it.err
}

// records checks the bundle contents and drops Patient records without a
// well-formed MBI.
func (it *PageIterator) records(ctx context.Context, bundle *bluebutton.Bundle) ([]json.RawMessage, error) {
	raw := bundle.Resources()
	out := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		got := bluebutton.ResourceTypeOf(r)
		if got != string(it.req.ResourceType) {
			return nil, fmt.Errorf("unexpected resource type: got %s expected: %s", got, it.req.ResourceType)
		}
		if it.req.ResourceType == domain.ResourcePatient {
			mbi, ok := bluebutton.IdentifierValue(r, bluebutton.MBISystem)
			if !ok || !ValidMBI(mbi) {
				logger.FromContext(ctx, it.fetcher.logger).Debug("Skipping patient record without a valid MBI",
					slog.String("resource_id", bluebutton.ResourceIDOf(r)),
				)
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// fail classifies err. Request-level errors end iteration through Err;
// everything else becomes a single OperationOutcome page.
func (it *PageIterator) fail(ctx context.Context, err error) bool {
	it.done = true

	if errors.Is(err, domain.ErrUnsupportedResourceType) || ctx.Err() != nil {
		it.err = err
		return false
	}

	logger.FromContext(ctx, it.fetcher.logger).Warn("Recording fetch failure as an OperationOutcome",
		slog.String("resource_type", string(it.req.ResourceType)),
		slog.Any("error", err),
	)
	it.page = Page{
		Type:    domain.ResourceOperationOutcome,
		Records: []json.RawMessage{outcomeFor(it.req.ResourceType, it.req.PatientID, err)},
	}
	return true
}

// outcomeFor classifies a failed upstream call into one OperationOutcome record.
func outcomeFor(rt domain.ResourceType, patientID string, err error) json.RawMessage {
	var respErr *bluebutton.ResponseError
	switch {
	case errors.Is(err, bluebutton.ErrResourceNotFound):
		return notFoundOutcome(rt, patientID)
	case errors.As(err, &respErr):
		return statusOutcome(rt, patientID, respErr.StatusCode)
	default:
		return internalOutcome(patientID, err)
	}
}
