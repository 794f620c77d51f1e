package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createRequest struct {
	Name   string   `json:"name" validate:"required"`
	Labels []string `json:"labels,omitempty" validate:"omitempty,dive,required"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{"valid JSON", `{"name": "test"}`, false},
		{"invalid JSON", `{invalid}`, true},
		{"empty body", ``, true},
		{"unknown field", `{"name": "test", "tenant_id": "clinic-b"}`, true},
		{"trailing object", `{"name": "a"}{"name": "b"}`, true},
		{"fails validation", `{"labels": ["x"]}`, true},
		{"blank label", `{"name": "test", "labels": [""]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			var dest createRequest

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest.Name)
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`{}`))
	var dest createRequest

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"required"`)
}

func TestParseJSON_MapDestination(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`{"reason": "typo"}`))
	var dest map[string]string
	require.NoError(t, ParseJSON(req, &dest))
	assert.Equal(t, "typo", dest["reason"])
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/audit/entries/evt-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "evt-1"})

	id, err := ParsePathString(req, "id")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	_, err = ParsePathString(req, "missing")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		want        int
		expectError bool
	}{
		{"present", "?limit=50", 50, false},
		{"absent", "", 100, false},
		{"invalid", "?limit=lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test"+tt.query, nil)
			got, err := ParseQueryInt(req, "limit", 100)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryInt64AndBool(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?after=9000000000&cross_tenant=true&bad=maybe", nil)

	after, err := ParseQueryInt64(req, "after", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9000000000), after)

	cross, err := ParseQueryBool(req, "cross_tenant", false)
	require.NoError(t, err)
	assert.True(t, cross)

	_, err = ParseQueryBool(req, "bad", false)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseQueryTime(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?from=2015-03-01T02:00:00%2B02:00&to=yesterday", nil)

	from, err := ParseQueryTime(req, "from")
	require.NoError(t, err)
	require.NotNil(t, from)
	assert.Equal(t, time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC), *from)

	_, err = ParseQueryTime(req, "to")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	missing, err := ParseQueryTime(req, "until")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestParseQueryList(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?tenant=clinic-a,%20clinic-b&tenant=clinic-c&tenant=", nil)
	assert.Equal(t, []string{"clinic-a", "clinic-b", "clinic-c"}, ParseQueryList(req, "tenant"))
	assert.Nil(t, ParseQueryList(req, "severity"))
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test?format=csv", nil)
	assert.Equal(t, "csv", ParseQueryString(req, "format", "ndjson"))
	assert.Equal(t, "ndjson", ParseQueryString(req, "other", "ndjson"))
}
