package pagination

import (
	"net/url"
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

// Requested reports whether the client asked for a page at all. Listing
// endpoints return a bare array otherwise.
func Requested(c echo.Context) bool {
	q := c.QueryParams()
	return q.Has("limit") || q.Has("offset") || q.Has("page")
}

// FromContext reads limit/offset, or page/page_size, from the query string.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("page_size"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if page, _ := strconv.Atoi(c.QueryParam("page")); page > 1 && offset == 0 {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response is a page of results with links to its neighbours.
type Response struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  interface{} `json:"results"`
}

// NewResponse builds a page for the request path in base, preserving any
// other query parameters.
func NewResponse(base *url.URL, data interface{}, total int, p Params) *Response {
	r := &Response{Count: total, Results: data}
	if p.HasNext(total) {
		s := link(base, p.NextOffset(), p.Limit)
		r.Next = &s
	}
	if p.HasPrevious() {
		s := link(base, p.PreviousOffset(), p.Limit)
		r.Previous = &s
	}
	return r
}

func link(base *url.URL, offset, limit int) string {
	u := *base
	q := u.Query()
	q.Del("page")
	q.Del("page_size")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.RequestURI()
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
