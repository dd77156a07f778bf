// Package profile holds the read-only views consumers build over a cache
// snapshot: search, pagination, detail lookup and recency filtering.
//
// Every function returns a new slice and leaves its input untouched, since
// snapshot records are shared between consumers.
package profile

import (
	"strings"

	"github.com/compintel/profilesync/internal/cache"
)

const (
	// DefaultSearchLimit is the number of search suggestions shown.
	DefaultSearchLimit = 5

	// DefaultPerPage is the number of cards on one page.
	DefaultPerPage = 6

	// maxVisiblePages is the widest page-number window before ellipses.
	maxVisiblePages = 5
)

// Ellipsis marks a gap in Page.Numbers.
const Ellipsis = 0

// Search returns up to limit records whose id or name contains term,
// ignoring case, in snapshot order. An empty term matches nothing.
// limit <= 0 means DefaultSearchLimit.
func Search(records []cache.Record, term string, limit int) []cache.Record {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []cache.Record{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	out := make([]cache.Record, 0, limit)
	for _, r := range records {
		if len(out) == limit {
			break
		}
		if strings.Contains(strings.ToLower(r.ID), term) ||
			strings.Contains(strings.ToLower(r.Text("name")), term) {
			out = append(out, r)
		}
	}
	return out
}

// Find returns the record with the given id. An exact match wins over a
// case-insensitive one.
func Find(records []cache.Record, id string) (cache.Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	for _, r := range records {
		if strings.EqualFold(r.ID, id) {
			return r, true
		}
	}
	return cache.Record{}, false
}

// Page is one page of records.
type Page struct {
	Items      []cache.Record `json:"items"`
	Number     int            `json:"number"`
	TotalPages int            `json:"total_pages"`
	Total      int            `json:"total"`

	// Numbers is the page-number strip to render, with Ellipsis for gaps.
	Numbers []int `json:"numbers"`
}

// Paginate returns page number (1-based) of records. The page is clamped to
// the valid range; an empty input yields one empty page.
// perPage <= 0 means DefaultPerPage.
func Paginate(records []cache.Record, number, perPage int) Page {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}

	total := (len(records) + perPage - 1) / perPage
	if total < 1 {
		total = 1
	}
	if number < 1 {
		number = 1
	}
	if number > total {
		number = total
	}

	start := (number - 1) * perPage
	end := start + perPage
	if start > len(records) {
		start = len(records)
	}
	if end > len(records) {
		end = len(records)
	}

	items := make([]cache.Record, end-start)
	copy(items, records[start:end])

	return Page{
		Items:      items,
		Number:     number,
		TotalPages: total,
		Total:      len(records),
		Numbers:    PageNumbers(number, total),
	}
}

// PageNumbers returns the page-number window around current.
//
// Up to five pages are listed in full. Beyond that the first and last
// pages are always shown with the current page's neighbours between them:
//
//	current 1..3:      1 2 3 4 … N
//	current N-2..N:    1 … N-3 N-2 N-1 N
//	otherwise:         1 … c-1 c c+1 … N
func PageNumbers(current, total int) []int {
	if total <= maxVisiblePages {
		nums := make([]int, 0, total)
		for i := 1; i <= total; i++ {
			nums = append(nums, i)
		}
		return nums
	}

	switch {
	case current <= 3:
		return []int{1, 2, 3, 4, Ellipsis, total}
	case current >= total-2:
		return []int{1, Ellipsis, total - 3, total - 2, total - 1, total}
	default:
		return []int{1, Ellipsis, current - 1, current, current + 1, Ellipsis, total}
	}
}
