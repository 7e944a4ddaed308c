package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

var testTransactionTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeUpstream serves canned bundle chains keyed by patient and type.
type fakeUpstream struct {
	mu       sync.Mutex
	chains   map[string][]*bluebutton.Bundle
	byURL    map[string]*bluebutton.Bundle
	errs     map[string]error
	searches int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		chains: make(map[string][]*bluebutton.Bundle),
		byURL:  make(map[string]*bluebutton.Bundle),
		errs:   make(map[string]error),
	}
}

func upstreamKey(patientID string, rt domain.ResourceType) string {
	return patientID + "/" + string(rt)
}

// serve registers one bundle per page, linked by next urls.
func (f *fakeUpstream) serve(patientID string, rt domain.ResourceType, pages ...[]json.RawMessage) {
	f.serveAt(patientID, rt, testTransactionTime, pages...)
}

func (f *fakeUpstream) serveAt(patientID string, rt domain.ResourceType, lastUpdated time.Time, pages ...[]json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := upstreamKey(patientID, rt)
	bundles := make([]*bluebutton.Bundle, len(pages))
	for i, records := range pages {
		ts := lastUpdated
		b := &bluebutton.Bundle{ResourceType: "Bundle", Meta: &bluebutton.Meta{LastUpdated: &ts}}
		for _, r := range records {
			b.Entry = append(b.Entry, bluebutton.BundleEntry{Resource: r})
		}
		bundles[i] = b
	}
	for i := range bundles {
		if i+1 < len(bundles) {
			url := fmt.Sprintf("fake://%s/%d", key, i+1)
			bundles[i].Link = []bluebutton.BundleLink{{Relation: "next", URL: url}}
			f.byURL[url] = bundles[i+1]
		}
	}
	f.chains[key] = bundles
}

func (f *fakeUpstream) fail(patientID string, rt domain.ResourceType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[upstreamKey(patientID, rt)] = err
}

func (f *fakeUpstream) Search(_ context.Context, rt domain.ResourceType, params bluebutton.SearchParams) (*bluebutton.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searches++
	if !rt.Exportable() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedResourceType, rt)
	}
	key := upstreamKey(params.PatientID, rt)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	chain := f.chains[key]
	if len(chain) == 0 {
		ts := testTransactionTime
		return &bluebutton.Bundle{ResourceType: "Bundle", Meta: &bluebutton.Meta{LastUpdated: &ts}}, nil
	}
	return chain[0], nil
}

func (f *fakeUpstream) Next(_ context.Context, bundle *bluebutton.Bundle, _ bluebutton.RequestHeaders) (*bluebutton.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := bundle.NextURL()
	if next == "" {
		return nil, nil
	}
	b, ok := f.byURL[next]
	if !ok {
		return nil, fmt.Errorf("no page at %s", next)
	}
	return b, nil
}

// fakeResolver maps an MBI to "bene-<mbi>" unless told otherwise.
type fakeResolver struct {
	mu   sync.Mutex
	errs map[string]error
}

func (r *fakeResolver) ResolvePatientID(_ context.Context, mbi string, _ bluebutton.RequestHeaders) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[mbi]; err != nil {
		return "", err
	}
	return beneID(mbi), nil
}

func beneID(mbi string) string {
	return "bene-" + mbi
}

func testMBI(i int) string {
	return fmt.Sprintf("1S00E00AA%02d", i)
}

func patientRecord(id, mbi string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"resourceType":"Patient","id":%q,"identifier":[{"system":%q,"value":%q}]}`,
		id, bluebutton.MBISystem, mbi))
}

func record(rt domain.ResourceType, id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"resourceType":%q,"id":%q}`, rt, id))
}

func records(rt domain.ResourceType, prefix string, n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = record(rt, fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

type sinkUpload struct {
	name, path, contentType string
}

type recordingSink struct {
	mu      sync.Mutex
	uploads []sinkUpload
	err     error
}

func (s *recordingSink) Upload(_ context.Context, name, path, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.uploads = append(s.uploads, sinkUpload{name: name, path: path, contentType: contentType})
	return nil
}
