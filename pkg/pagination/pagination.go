// Package pagination reads limit/offset query parameters and describes the
// resulting page in list responses such as patient history.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string. Missing or
// malformed values fall back to the defaults; limit is clamped to
// [1, MaxLimit] and offset to >= 0.
func FromContext(c echo.Context) Params {
	return Clamp(atoi(c.QueryParam("limit")), atoi(c.QueryParam("offset")))
}

// Clamp normalizes raw values the same way FromContext does. Services use it
// so direct callers get the same bounds as HTTP callers.
func Clamp(limit, offset int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Page describes where a slice of results sits in the full result set.
type Page struct {
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage(total int, p Params) Page {
	pg := Page{Total: total, Limit: p.Limit, Offset: p.Offset, HasMore: p.HasNext(total)}
	if pg.HasMore {
		next := p.NextOffset()
		pg.NextOffset = &next
	}
	return pg
}

// Response wraps a paginated API response.
type Response struct {
	Data interface{} `json:"data"`
	Page
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{Data: data, Page: NewPage(total, p)}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
