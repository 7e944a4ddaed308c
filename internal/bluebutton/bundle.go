package bluebutton

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Bundle is the subset of a FHIR search bundle the export reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Meta         *Meta         `json:"meta,omitempty"`
	Total        int           `json:"total"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// Meta carries the server's transaction time in LastUpdated.
type Meta struct {
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

// BundleLink is a paging link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry keeps the resource as raw JSON.
type BundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

// NextURL returns the "next" link, or "" on the last page.
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// TransactionTime returns meta.lastUpdated, or nil when the server omitted it.
func (b *Bundle) TransactionTime() *time.Time {
	if b.Meta == nil {
		return nil
	}
	return b.Meta.LastUpdated
}

// Resources returns the raw entry resources in bundle order.
func (b *Bundle) Resources() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

// ResourceTypeOf reads resourceType from a raw record.
func ResourceTypeOf(raw []byte) string {
	return gjson.GetBytes(raw, "resourceType").String()
}

// ResourceIDOf reads id from a raw record.
func ResourceIDOf(raw []byte) string {
	return gjson.GetBytes(raw, "id").String()
}

// IdentifierValue returns the first identifier of a Patient record with the
// given system.
func IdentifierValue(raw []byte, system string) (string, bool) {
	for _, id := range gjson.GetBytes(raw, "identifier").Array() {
		if id.Get("system").String() == system {
			return id.Get("value").String(), true
		}
	}
	return "", false
}
