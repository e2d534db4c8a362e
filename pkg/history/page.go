package history

import (
	"context"
	"fmt"
)

// NavWindow is the number of neighbouring pages listed on each side of the
// current page.
const NavWindow = 5

// DefaultPageSize is used when a caller asks for a non-positive page size.
const DefaultPageSize = 10

// Page describes one page of the history listing.
type Page struct {
	// Index is the zero-based page number after clamping.
	Index int `json:"page"`

	// Size is the number of records per page.
	Size int `json:"page_items"`

	// Offset is Index*Size.
	Offset int `json:"-"`

	// Total is the number of pages. It is at least 1.
	Total int `json:"total_pages"`

	// Count is the total number of records.
	Count int64 `json:"count"`

	// Nav lists the page numbers within NavWindow of Index, ascending.
	Nav []int `json:"nav"`
}

// Paginate clamps page into [0, ceil(count/size)-1] and computes the row
// offset and navigation window. An empty history has exactly one, empty,
// page.
func Paginate(count int64, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	if count < 0 {
		count = 0
	}
	total := int((count + int64(size) - 1) / int64(size))
	if total < 1 {
		total = 1
	}
	page = min(max(page, 0), total-1)

	lo := max(page-NavWindow, 0)
	hi := min(page+NavWindow, total-1)
	nav := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		nav = append(nav, i)
	}

	return Page{
		Index:  page,
		Size:   size,
		Offset: page * size,
		Total:  total,
		Count:  count,
		Nav:    nav,
	}
}

// Listing is a page of records together with its navigation data.
type Listing struct {
	Page
	Records []Record `json:"records"`
}

// Query counts the records in s, clamps the requested page and reads it.
func Query(ctx context.Context, s Store, page, size int) (Listing, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("history: count: %w", err)
	}
	p := Paginate(count, page, size)
	recs, err := s.List(ctx, p.Offset, p.Size)
	if err != nil {
		return Listing{}, fmt.Errorf("history: list: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return Listing{Page: p, Records: recs}, nil
}
