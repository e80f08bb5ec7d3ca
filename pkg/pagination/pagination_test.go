package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func paramsFor(target string) Params {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   Params
	}{
		{"defaults", "/", Params{Limit: DefaultLimit, Offset: 0}},
		{"custom", "/?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"clamps", "/?limit=5000&offset=-3", Params{Limit: MaxLimit, Offset: 0}},
		{"junk limit", "/?limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(tt.target)
			assert.Equal(t, tt.want.Limit, p.Limit)
			assert.Equal(t, tt.want.Offset, p.Offset)
		})
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	assert.True(t, p.HasNext(20))
	assert.False(t, p.HasNext(15))
	assert.True(t, p.HasPrevious())
	assert.Equal(t, 15, p.NextOffset())
	assert.Equal(t, 0, p.PreviousOffset(), "previous offset is clamped to 0")
}

func TestNewResponse_WithLinks(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	query := url.Values{"search": {"ann"}}
	resp := NewResponse([]string{"a"}, 35, p).WithLinks("/api/v1/patients", query, p)

	assert.True(t, resp.HasMore)
	assert.Equal(t, "/api/v1/patients?limit=10&offset=10&search=ann", resp.Links.Self)
	assert.Equal(t, "/api/v1/patients?limit=10&offset=20&search=ann", resp.Links.Next)
	assert.Equal(t, "/api/v1/patients?limit=10&offset=0&search=ann", resp.Links.Previous)
	assert.Empty(t, query.Get("offset"), "WithLinks must not modify the caller's query")
}

func TestNewResponse_LastPage(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	resp := NewResponse([]string{}, 3, p).WithLinks("/x", nil, p)
	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.Links.Next)
	assert.Empty(t, resp.Links.Previous)
}
