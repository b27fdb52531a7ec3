package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/query"
)

type fakeAdapter struct {
	id      query.SourceId
	healthy bool
}

func (f *fakeAdapter) Search(ctx context.Context, q string, limit int) ([]query.Document, error) {
	return nil, nil
}
func (f *fakeAdapter) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeAdapter) Id() query.SourceId               { return f.id }

func TestRegistryGetAndAll(t *testing.T) {
	jira := &fakeAdapter{id: query.SourceJira, healthy: true}
	slack := &fakeAdapter{id: query.SourceSlack, healthy: true}
	r := NewRegistry(jira, slack)

	got, ok := r.Get(query.SourceJira)
	require.True(t, ok)
	assert.Same(t, jira, got)

	_, ok = r.Get(query.SourceConfluence)
	assert.False(t, ok)

	all := r.All()
	assert.Len(t, all, 2)
}

func TestRegistryEnabledFiltersUnhealthyAndUnregistered(t *testing.T) {
	jira := &fakeAdapter{id: query.SourceJira, healthy: true}
	slack := &fakeAdapter{id: query.SourceSlack, healthy: false}
	r := NewRegistry(jira, slack)

	enabled := r.Enabled(context.Background(), []query.SourceId{query.SourceJira, query.SourceSlack, query.SourceGithub})
	assert.Equal(t, []query.SourceId{query.SourceJira}, enabled)
}

func TestCredentialsBlobGetIsNilSafe(t *testing.T) {
	var blob CredentialsBlob
	assert.Equal(t, "", blob.Get("token"))

	blob = CredentialsBlob{"token": "secret"}
	assert.Equal(t, "secret", blob.Get("token"))
	assert.Equal(t, "", blob.Get("missing"))
}

func TestHTTPAdapterSearchNormalizesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"id":"1","title":"t","url":"u","body":"b"}]}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{Id: query.SourceJira, BaseURL: srv.URL})
	docs, err := a.Search(context.Background(), "hello world", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, query.SourceJira, docs[0].Source)
	assert.Equal(t, "t", docs[0].Title)
}

func TestHTTPAdapterSearchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{Id: query.SourceSlack, BaseURL: srv.URL})
	_, err := a.Search(context.Background(), "q", 5)
	require.Error(t, err)
	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
}

func TestHTTPAdapterSearchPermanentClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad query"))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{Id: query.SourceGithub, BaseURL: srv.URL})
	_, err := a.Search(context.Background(), "q", 5)
	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
}

func TestHTTPAdapterHealthyWithoutPathDefaultsTrue(t *testing.T) {
	a := NewHTTPAdapter(HTTPAdapterConfig{Id: query.SourceNotion, BaseURL: "http://unused.invalid"})
	assert.True(t, a.Healthy(context.Background()))
}
