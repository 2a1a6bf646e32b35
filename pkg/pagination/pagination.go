// Package pagination reads limit/offset query parameters and wraps list
// responses with navigation links.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset. Missing or invalid values fall back to
// the defaults and limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// Response is one page of a list endpoint.
type Response[T any] struct {
	Data     []T    `json:"data"`
	Total    int    `json:"total"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	HasMore  bool   `json:"has_more"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Page wraps items. Next and previous links keep the request's other query
// parameters so filtered lists page correctly.
func Page[T any](c echo.Context, items []T, total int, p Params) *Response[T] {
	if items == nil {
		items = []T{}
	}
	r := &Response[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
	if r.HasMore {
		r.Next = link(c, p.Limit, p.Offset+p.Limit)
	}
	if p.Offset > 0 {
		r.Previous = link(c, p.Limit, max(p.Offset-p.Limit, 0))
	}
	return r
}

func link(c echo.Context, limit, offset int) string {
	u := *c.Request().URL
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return u.RequestURI()
}
