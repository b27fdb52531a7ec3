package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/query"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

func TestSelectUnionsMultipleMatchingRules(t *testing.T) {
	r := newTestRouter(t)
	q := query.Query{Text: "check PROJ-123 in jira and the confluence wiki page", Options: query.DefaultOptions()}

	result := r.Select(context.Background(), q, Deps{})
	assert.Contains(t, result.Sources, query.SourceJira)
	assert.Contains(t, result.Sources, query.SourceConfluence)
	assert.Equal(t, query.SourceVectorCache, result.Sources[0])
}

func TestSelectFallsBackWhenNoRuleFires(t *testing.T) {
	r := newTestRouter(t)
	q := query.Query{Text: "xyzzy plugh", Options: query.DefaultOptions()}

	result := r.Select(context.Background(), q, Deps{})
	assert.Contains(t, result.Sources, query.SourceVectorCache)
	assert.Contains(t, result.Sources, query.SourceWeb)
	assert.Less(t, result.Confidence, 1.0)
}

func TestSelectDropsSourcesNotEnabled(t *testing.T) {
	r := newTestRouter(t)
	opts := query.DefaultOptions()
	opts.EnabledSources = map[query.SourceId]bool{query.SourceVectorCache: true}
	q := query.Query{Text: "PROJ-123 jira ticket", Options: opts}

	result := r.Select(context.Background(), q, Deps{})
	assert.NotContains(t, result.Sources, query.SourceJira)
}

func TestSelectDropsSourcesWithOpenBreaker(t *testing.T) {
	r := newTestRouter(t)
	q := query.Query{Text: "PROJ-123 jira ticket", Options: query.DefaultOptions()}
	deps := Deps{BreakerOpen: func(id query.SourceId) bool { return id == query.SourceJira }}

	result := r.Select(context.Background(), q, deps)
	assert.NotContains(t, result.Sources, query.SourceJira)
}

func TestSelectAlwaysPrependsVectorCache(t *testing.T) {
	r := newTestRouter(t)
	q := query.Query{Text: "figma mockup review", Options: query.DefaultOptions()}

	result := r.Select(context.Background(), q, Deps{})
	require.NotEmpty(t, result.Sources)
	assert.Equal(t, query.SourceVectorCache, result.Sources[0])
}

func TestSelectCapsAtMaxSourcesPreservingOrder(t *testing.T) {
	r := newTestRouter(t)
	opts := query.DefaultOptions()
	opts.MaxSources = 2
	q := query.Query{
		Text:    "jira ticket PROJ-1, confluence doc, slack channel, github pr, notion page, figma mockup",
		Options: opts,
	}

	result := r.Select(context.Background(), q, Deps{})
	assert.Len(t, result.Sources, 2)
	assert.Equal(t, query.SourceVectorCache, result.Sources[0])
}

func TestRuleFileCompilesRulesWithPatterns(t *testing.T) {
	r := newTestRouter(t)
	assert.NotEmpty(t, r.rules)
	for _, rule := range r.rules {
		assert.NotEmpty(t, rule.Patterns)
	}
}
