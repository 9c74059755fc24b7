package journal

import "sync"

const DefaultPageSize = 20

// Page is one slice of a filtered journal listing.
type Page struct {
	Items      []Event `json:"items"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalItems int     `json:"total_items"`
	TotalPages int     `json:"total_pages"`
}

// Paginate filters the journal and returns the requested page, clamped to
// the available range.
func (j *Journal) Paginate(filter Filter, page, pageSize int) Page {
	return paginate(j.Query(filter), page, pageSize)
}

func paginate(items []Event, page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(items)
	pages := (total + pageSize - 1) / pageSize
	page = clampPage(page, pages)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return Page{
		Items:      items[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: pages,
	}
}

func clampPage(page, pages int) int {
	if page > pages {
		page = pages
	}
	if page < 1 {
		page = 1
	}
	return page
}

// View is a stateful paginated window over a journal. Changing the filter or
// search term returns the view to the first page.
type View struct {
	mu       sync.Mutex
	journal  *Journal
	filter   Filter
	page     int
	pageSize int
}

func NewView(j *Journal, pageSize int) *View {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &View{journal: j, page: 1, pageSize: pageSize}
}

func (v *View) SetFilter(filter Filter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.filter.Equal(filter) {
		return
	}
	v.filter = filter
	v.page = 1
}

func (v *View) SetSearch(term string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.filter
	next.Search = term
	if v.filter.Equal(next) {
		return
	}
	v.filter = next
	v.page = 1
}

func (v *View) Filter() Filter {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

// SetPage moves to page n; the stored index is clamped on read.
func (v *View) SetPage(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.page = n
}

func (v *View) Next() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.page++
}

func (v *View) Prev() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.page--
}

// Current returns the page the view points at and normalizes the stored
// index to the clamped value.
func (v *View) Current() Page {
	v.mu.Lock()
	defer v.mu.Unlock()
	page := paginate(v.journal.Query(v.filter), v.page, v.pageSize)
	v.page = page.Page
	return page
}
