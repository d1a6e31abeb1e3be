package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleType is Bundle.type.
type BundleType string

const (
	BundleCollection          BundleType = "collection"
	BundleBatch               BundleType = "batch"
	BundleTransaction         BundleType = "transaction"
	BundleSearchset           BundleType = "searchset"
	BundleBatchResponse       BundleType = "batch-response"
	BundleTransactionResponse BundleType = "transaction-response"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	Base
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp,omitempty"`
	Total     *int          `json:"total,omitempty"`
	Link      []BundleLink  `json:"link,omitempty"`
	Entry     []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// FullURL returns the entry fullUrl for r: urn:uuid:<id> when the id is a
// UUID, otherwise <ResourceType>/<id>.
func FullURL(r Resource) string {
	id := r.ResourceID()
	if _, err := uuid.Parse(id); err == nil {
		return "urn:uuid:" + id
	}
	return string(r.TypeName()) + "/" + id
}

// NewBundle wraps resources in a bundle of type t. Resources without an id
// are assigned a random UUID so that fullUrl is always set. Batch and
// transaction entries get a POST request to the resource type.
func NewBundle(t BundleType, resources ...Resource) (*Bundle, error) {
	switch t {
	case BundleCollection, BundleBatch, BundleTransaction, BundleSearchset:
	default:
		return nil, fmt.Errorf("fhir: unsupported bundle type %q", t)
	}

	b := &Bundle{
		Base:      NewBase(TypeBundle, uuid.NewString()),
		Type:      string(t),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Entry:     make([]BundleEntry, 0, len(resources)),
	}
	for _, r := range resources {
		if r.ResourceID() == "" {
			r.SetResourceID(uuid.NewString())
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("fhir: marshal %s: %w", r.TypeName(), err)
		}
		entry := BundleEntry{FullURL: FullURL(r), Resource: raw}
		switch t {
		case BundleBatch, BundleTransaction:
			entry.Request = &BundleRequest{Method: "POST", URL: string(r.TypeName())}
		case BundleSearchset:
			entry.Search = &BundleSearch{Mode: "match"}
		}
		b.Entry = append(b.Entry, entry)
	}
	if t == BundleSearchset {
		total := len(resources)
		b.Total = &total
	}
	return b, nil
}

// Resources decodes every entry resource.
func (b *Bundle) Resources() ([]Resource, error) {
	out := make([]Resource, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		r, err := DecodeResource(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
