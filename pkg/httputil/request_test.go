package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONOrError(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"greeter"}`))
	w := httptest.NewRecorder()
	assert.True(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, "greeter", dest.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	w = httptest.NewRecorder()
	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadJSONBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "object", body: `{"a":1}`, want: `{"a":1}`},
		{name: "plain text is quoted", body: `hello`, want: `"hello"`},
		{name: "empty", body: ``, want: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			got, err := ReadJSONBody(r, 1<<20)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParsePathString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/admin/plugins/p1", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "p1"})

	id, err := ParsePathString(r, "id")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	_, err = ParsePathString(r, "missing")
	assert.Error(t, err)
}

func TestParseQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)

	v, err := ParseQueryInt(r, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	v, err = ParseQueryInt(r, "absent", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	_, err = ParseQueryInt(r, "bad", 10)
	assert.Error(t, err)

	assert.Equal(t, "x", ParseQueryString(r, "bad", "d"))
	assert.Equal(t, "d", ParseQueryString(r, "absent", "d"))
}
