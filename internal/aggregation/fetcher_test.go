package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
	"github.com/cuongbtq/bulk-export/shared/logger"
)

func collect(t *testing.T, it *PageIterator) []Page {
	t.Helper()
	var pages []Page
	for it.Next(context.Background()) {
		pages = append(pages, it.Page())
	}
	return pages
}

func fetchReq(patientID string, rt domain.ResourceType) FetchRequest {
	return FetchRequest{PatientID: patientID, ResourceType: rt, TransactionTime: testTransactionTime}
}

func TestFetcher_Pages(t *testing.T) {
	up := newFakeUpstream()
	up.serve("bene-1", domain.ResourceExplanationOfBenefit,
		records(domain.ResourceExplanationOfBenefit, "a", 2),
		records(domain.ResourceExplanationOfBenefit, "b", 2),
		records(domain.ResourceExplanationOfBenefit, "c", 1),
	)
	f := NewFetcher(up, logger.NewNop())

	it := f.Fetch(fetchReq("bene-1", domain.ResourceExplanationOfBenefit))
	pages := collect(t, it)
	require.NoError(t, it.Err())
	require.Len(t, pages, 3)

	total := 0
	for _, p := range pages {
		assert.Equal(t, domain.ResourceExplanationOfBenefit, p.Type)
		total += len(p.Records)
	}
	assert.Equal(t, 5, total)

	assert.False(t, it.Next(context.Background()), "iterator is consumed once")
}

func TestFetcher_NothingRequestedBeforeNext(t *testing.T) {
	up := newFakeUpstream()
	f := NewFetcher(up, logger.NewNop())

	it := f.Fetch(fetchReq("bene-1", domain.ResourceCoverage))
	assert.Equal(t, 0, up.searches)

	pages := collect(t, it)
	require.NoError(t, it.Err())
	require.Len(t, pages, 1)
	assert.Empty(t, pages[0].Records)
	assert.Equal(t, 1, up.searches)
}

func TestFetcher_FailuresBecomeOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		detail string
	}{
		{
			name:   "not found",
			err:    bluebutton.ErrResourceNotFound,
			code:   "not-found",
			detail: "Coverage resource not found in Blue Button for id: bene-1",
		},
		{
			name:   "upstream status",
			err:    &bluebutton.ResponseError{StatusCode: 502, URL: "https://bfd/Coverage"},
			code:   "exception",
			detail: "Blue Button error fetching Coverage resource. HTTP return code: 502",
		},
		{
			name:   "transport",
			err:    &bluebutton.ResponseError{URL: "https://bfd/Coverage", Err: errors.New("connection reset")},
			code:   "exception",
			detail: "Blue Button error fetching Coverage resource. HTTP return code: 0",
		},
		{
			name:   "unknown",
			err:    errors.New("boom"),
			code:   "exception",
			detail: "Internal error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream()
			up.fail("bene-1", domain.ResourceCoverage, tt.err)

			it := NewFetcher(up, logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourceCoverage))
			pages := collect(t, it)
			require.NoError(t, it.Err())
			require.Len(t, pages, 1)
			require.Len(t, pages[0].Records, 1)
			assert.Equal(t, domain.ResourceOperationOutcome, pages[0].Type)

			outcome := pages[0].Records[0]
			assert.Equal(t, "OperationOutcome", gjson.GetBytes(outcome, "resourceType").String())
			assert.Equal(t, tt.code, gjson.GetBytes(outcome, "issue.0.code").String())
			assert.Equal(t, tt.detail, gjson.GetBytes(outcome, "issue.0.details.text").String())
			assert.Equal(t, "bene-1", gjson.GetBytes(outcome, "issue.0.location.2").String())
		})
	}
}

func TestFetcher_UnexpectedResourceType(t *testing.T) {
	up := newFakeUpstream()
	up.serve("bene-1", domain.ResourceCoverage, []json.RawMessage{record(domain.ResourceExplanationOfBenefit, "eob")})

	it := NewFetcher(up, logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourceCoverage))
	pages := collect(t, it)
	require.NoError(t, it.Err())
	require.Len(t, pages, 1)
	assert.Equal(t, domain.ResourceOperationOutcome, pages[0].Type)
	assert.Contains(t, gjson.GetBytes(pages[0].Records[0], "issue.0.details.text").String(),
		"unexpected resource type: got ExplanationOfBenefit expected: Coverage")
}

func TestFetcher_UnsupportedResourceTypeIsFatal(t *testing.T) {
	it := NewFetcher(newFakeUpstream(), logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourceOperationOutcome))
	assert.Empty(t, collect(t, it))
	assert.ErrorIs(t, it.Err(), domain.ErrUnsupportedResourceType)
}

func TestFetcher_TransactionTimeRegression(t *testing.T) {
	up := newFakeUpstream()
	up.serveAt("bene-1", domain.ResourceCoverage, testTransactionTime.Add(-time.Minute),
		records(domain.ResourceCoverage, "c", 1))

	it := NewFetcher(up, logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourceCoverage))
	assert.Empty(t, collect(t, it))
	assert.ErrorIs(t, it.Err(), ErrTransactionTimeRegression)
}

func TestFetcher_RegressionOnLaterPage(t *testing.T) {
	up := newFakeUpstream()
	up.serve("bene-1", domain.ResourceCoverage,
		records(domain.ResourceCoverage, "a", 1),
		records(domain.ResourceCoverage, "b", 1),
	)
	// roll the second page back in time
	second := up.byURL["fake://bene-1/Coverage/1"]
	old := testTransactionTime.Add(-time.Hour)
	second.Meta.LastUpdated = &old

	it := NewFetcher(up, logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourceCoverage))
	pages := collect(t, it)
	assert.Len(t, pages, 1)
	assert.ErrorIs(t, it.Err(), ErrTransactionTimeRegression)
}

func TestFetcher_FiltersPatientsWithoutValidMBI(t *testing.T) {
	up := newFakeUpstream()
	up.serve("bene-1", domain.ResourcePatient, []json.RawMessage{
		patientRecord("p1", testMBI(1)),
		patientRecord("p2", "not-an-mbi"),
		patientRecord("p3", testMBI(3)),
	})

	it := NewFetcher(up, logger.NewNop()).Fetch(fetchReq("bene-1", domain.ResourcePatient))
	pages := collect(t, it)
	require.NoError(t, it.Err())
	require.Len(t, pages, 1)
	assert.Len(t, pages[0].Records, 2)
	assert.Equal(t, domain.ResourcePatient, pages[0].Type)
}

func TestValidMBI(t *testing.T) {
	assert.True(t, ValidMBI("1S00E00AA00"))
	assert.True(t, ValidMBI("9Y99Y99YY99"))
	assert.False(t, ValidMBI("0S00E00AA00"), "leading zero")
	assert.False(t, ValidMBI("1S00E00AA0"), "too short")
	assert.False(t, ValidMBI("1B00E00AA00"), "B is excluded")
	assert.False(t, ValidMBI("1s00e00aa00"), "lower case")
}
