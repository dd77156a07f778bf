package cache

import (
	"strconv"

	"github.com/compintel/profilesync/internal/remote"
)

// slot is one entity scheduled for normalization, in display order.
type slot struct {
	id           string
	supplemental bool
}

// plan imposes the display order on a collection push: canonical ids that
// are present, in canonical order, then every other id in store order.
// Absent canonical ids are skipped and every id appears once.
func plan(order []string, coll remote.RawCollection) []slot {
	seen := make(map[string]bool, coll.Len())
	slots := make([]slot, 0, coll.Len())

	for _, id := range order {
		if seen[id] || !coll.Has(id) {
			continue
		}
		seen[id] = true
		slots = append(slots, slot{id: id})
	}

	for _, id := range coll.Keys {
		if seen[id] || !coll.Has(id) {
			continue
		}
		seen[id] = true
		slots = append(slots, slot{id: id, supplemental: true})
	}

	return slots
}

// normalize converts one raw entity. Display strings are filled in at
// publication time.
func normalize(id string, raw remote.RawEntity, s slot, meta remote.Metadata) Record {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "products" {
			continue
		}
		fields[k] = v
	}

	return Record{
		ID:             id,
		Fields:         fields,
		Products:       flattenProducts(raw["products"]),
		LastUpdatedRaw: meta.UpdateTime,
		IsSupplemental: s.supplemental,
	}
}

// flattenProducts turns the keyed products sub-collection into an ordered
// list. Entries that are not objects (such as a stored config path) are
// skipped. The result is never nil.
func flattenProducts(v any) []Product {
	products := []Product{}

	switch x := v.(type) {
	case map[string]any:
		for _, key := range sortedKeys(x) {
			if p, ok := productOf(key, x[key]); ok {
				products = append(products, p)
			}
		}
	case []any:
		for i, item := range x {
			name := strconv.Itoa(i)
			if m, ok := item.(map[string]any); ok {
				if n, ok := m["name"].(string); ok && n != "" {
					name = n
				}
			}
			if p, ok := productOf(name, item); ok {
				products = append(products, p)
			}
		}
	}

	return products
}

func productOf(name string, v any) (Product, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Product{}, false
	}

	title, _ := m["title"].(string)
	url, _ := m["url"].(string)

	return Product{
		Name:     name,
		Title:    title,
		URL:      url,
		Features: stringList(m["features"]),
		UseCases: stringList(m["use_cases"]),
	}, true
}

// stringList keeps the string elements of a list value. Anything that is
// not a list becomes an empty slice.
func stringList(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case []string:
		out = append(out, x...)
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
