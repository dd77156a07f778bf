package cache

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Product is one entry of a company's flattened product catalogue.
type Product struct {
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Features []string `json:"features"`
	UseCases []string `json:"use_cases"`
}

// Record is a normalized company profile. Records are immutable once
// published; consumers must copy before modifying anything.
type Record struct {
	// ID is the store key and the record's only identity.
	ID string `json:"id"`

	// Fields holds every descriptive field of the raw entity except
	// products, copied through unchanged.
	Fields map[string]any `json:"fields"`

	// Products is never nil.
	Products []Product `json:"products"`

	LastUpdatedRaw     *time.Time `json:"last_updated_raw"`
	LastUpdatedDisplay string     `json:"last_updated_display"`

	// IsSupplemental is set for entities outside the canonical order.
	IsSupplemental bool `json:"is_supplemental"`
}

// Text returns a descriptive field as a string, or "" when the field is
// absent or not a string.
func (r Record) Text(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Optional returns a descriptive field as an Optional.
func (r Record) Optional(field string) Optional {
	return OptionalOf(r.Fields[field])
}

// Name returns the display name, falling back to the id.
func (r Record) Name() string {
	if name := r.Text("name"); name != "" {
		return name
	}
	return r.ID
}

// Clients returns the client list field.
func (r Record) Clients() Optional { return r.Optional("clients") }

// Blogs returns the blog post list field.
func (r Record) Blogs() Optional { return r.Optional("blogs") }

// LinkedInPosts returns the social feed field.
func (r Record) LinkedInPosts() Optional { return r.Optional("linkedin_posts") }

// LinkedInJobs returns the hiring signal field.
func (r Record) LinkedInJobs() Optional { return r.Optional("linkedin_jobs") }

// OptionalKind tags the shape an upstream optional field arrived in.
type OptionalKind int

const (
	// Missing means the field is absent, null or empty.
	Missing OptionalKind = iota
	// Placeholder means the field holds a string such as "Not available yet".
	Placeholder
	// List means the field holds a sequence.
	List
)

// String returns a human-readable representation of the kind.
func (k OptionalKind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Placeholder:
		return "placeholder"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// Optional is a field that is Missing, a Placeholder string, or a List.
type Optional struct {
	Kind  OptionalKind
	Text  string // set for Placeholder
	Items []any  // set for List, nil elements removed
}

// OptionalOf classifies a raw field value.
//
// Maps are treated as sparse lists keyed by index, which is how
// hierarchical stores return arrays with holes; their values are ordered
// by numeric key, then lexically.
func OptionalOf(v any) Optional {
	switch x := v.(type) {
	case nil:
		return Optional{Kind: Missing}
	case string:
		if x == "" {
			return Optional{Kind: Missing}
		}
		return Optional{Kind: Placeholder, Text: x}
	case []string:
		items := make([]any, 0, len(x))
		for _, s := range x {
			items = append(items, s)
		}
		return listOrMissing(items)
	case []any:
		items := make([]any, 0, len(x))
		for _, item := range x {
			if item != nil {
				items = append(items, item)
			}
		}
		return listOrMissing(items)
	case map[string]any:
		keys := sortedKeys(x)
		items := make([]any, 0, len(keys))
		for _, k := range keys {
			if x[k] != nil {
				items = append(items, x[k])
			}
		}
		return listOrMissing(items)
	default:
		return Optional{Kind: Placeholder, Text: fmt.Sprint(x)}
	}
}

func listOrMissing(items []any) Optional {
	if len(items) == 0 {
		return Optional{Kind: Missing}
	}
	return Optional{Kind: List, Items: items}
}

// Strings returns the string items of a List, skipping other shapes.
func (o Optional) Strings() []string {
	out := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of list items.
func (o Optional) Len() int {
	return len(o.Items)
}

// sortedKeys orders map keys numerically when both keys are integers and
// lexically otherwise.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Snapshot is the published state of the cache. Exactly one snapshot is
// current at a time.
type Snapshot struct {
	Records []Record `json:"records"`
	Loading bool     `json:"loading"`

	// Error is the collection-level failure, "" when there is none.
	Error string `json:"error,omitempty"`

	// State is the cache lifecycle state when the snapshot was published.
	State State `json:"state"`

	// Generation is the normalization pass that produced or last touched
	// this snapshot.
	Generation  uint64    `json:"generation"`
	PublishedAt time.Time `json:"published_at"`
}

// Settled reports whether s is the outcome of a subscription: a completed
// pass or a collection-level error.
func (s *Snapshot) Settled() bool {
	if s == nil {
		return false
	}
	return s.Error != "" || (s.State == StateLive && !s.Loading)
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}
