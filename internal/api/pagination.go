package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// PageParams holds parsed pagination values from query params.
type PageParams struct {
	Page   int
	Limit  int
	Offset int
}

// PageMeta is the pagination block of a list response.
type PageMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// ParsePage extracts page and limit from query params with defaults.
// maxLimit caps the limit. An explicit offset overrides the page-derived one.
func ParsePage(r *http.Request, defaultLimit, maxLimit int) PageParams {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	p := PageParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
	if off, err := strconv.Atoi(q.Get("offset")); err == nil && off >= 0 {
		p.Offset = off
		p.Page = off/limit + 1
	}
	return p
}

// NewPageMeta builds the pagination block for total matching rows.
func NewPageMeta(p PageParams, total int) PageMeta {
	pages := (total + p.Limit - 1) / p.Limit
	if pages < 1 {
		pages = 1
	}
	return PageMeta{
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: pages,
		HasMore:    p.Offset+p.Limit < total,
	}
}
