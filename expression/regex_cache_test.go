package expression

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/metric"
)

func TestValidateRegexComplexity(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr string
	}{
		{"classic redos", `(a+)+`, "nested quantifiers"},
		{"nested wildcards", `x(.*)*y`, "nested quantifiers"},
		{"huge repeat", `a{1000}`, "repetition"},
		{"huge range", `a{2,5000}`, "repetition"},
		{"too long", strings.Repeat("a", 501), "too long"},
		{"too many groups", strings.Repeat("(a)", 21), "too many groups"},
		{"deep nesting", `((((((a))))))`, "nests"},
		{"plain", `^[A-Z]{2,4}$`, ""},
		{"alternation", `^(IBM|SAS)$`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRegexComplexity(tt.pattern)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileRegex_Caches(t *testing.T) {
	regexCache.Load().Clear()

	a, err := compileRegex(`^S[A-Z]S$`)
	require.NoError(t, err)
	b, err := compileRegex(`^S[A-Z]S$`)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, regexCache.Load().Len())

	_, err = compileRegex(`[`)
	assert.Error(t, err)
	assert.Equal(t, 1, regexCache.Load().Len())
}

func TestRegisterMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	require.NoError(t, RegisterMetrics(registry))

	_, err := compileRegex(`^I[A-Z]M$`)
	require.NoError(t, err)
	_, err = compileRegex(`^I[A-Z]M$`)
	require.NoError(t, err)

	stats := regexCache.Load().Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				names[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, names["espflow_cache_hits_total"])
	assert.Equal(t, 1.0, names["espflow_cache_misses_total"])

	assert.Error(t, RegisterMetrics(registry), "a registry takes the cache metrics once")
}
