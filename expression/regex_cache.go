package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/c360/espflow/metric"
	"github.com/c360/espflow/pkg/cache"
)

const (
	maxPatternLength = 500
	maxRepeatCount   = 1000
	maxGroups        = 20
	maxNesting       = 5
)

const regexCacheSize = 100

var regexCache atomic.Pointer[cache.LRU[string, *regexp.Regexp]]

func init() {
	c, err := cache.NewLRU[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(fmt.Sprintf("regex cache: %v", err))
	}
	regexCache.Store(c)
}

// RegisterMetrics exports the compiled-pattern cache's hit, miss and eviction
// counters in registry. Patterns cached so far are dropped.
func RegisterMetrics(registry *metric.MetricsRegistry) error {
	c, err := cache.NewLRU[string, *regexp.Regexp](regexCacheSize,
		cache.WithMetrics[string, *regexp.Regexp](registry, "expression_regex"))
	if err != nil {
		return err
	}
	regexCache.Store(c)
	return nil
}

// compileRegex returns a cached compiled pattern, rejecting patterns prone to
// catastrophic backtracking before compiling them.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	rc := regexCache.Load()
	if re, ok := rc.Get(pattern); ok {
		return re, nil
	}
	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	rc.Set(pattern, re)
	return re, nil
}

var nestedQuantifiers = []string{
	`(\w+)*`, `(\w*)+`, `(a+)+`, `([a-zA-Z]+)*`, `(\d+)*`,
	`(.*)*`, `(.+)+`, `(.*)+`, `(.+)*`, `(\s+)*`, `([^,]+)*`,
}

func validateRegexComplexity(pattern string) error {
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("regex pattern too long (max %d chars): %d chars", maxPatternLength, len(pattern))
	}
	for _, fragment := range nestedQuantifiers {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers")
		}
	}

	for rest := pattern; ; {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			break
		}
		rest = rest[i+1:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			break
		}
		for _, bound := range strings.Split(rest[:end], ",") {
			if n, err := strconv.Atoi(bound); err == nil && n >= maxRepeatCount {
				return fmt.Errorf("regex pattern repetition count %d exceeds %d", n, maxRepeatCount-1)
			}
		}
	}

	if strings.Count(pattern, "(") > maxGroups {
		return fmt.Errorf("regex pattern has too many groups (max %d)", maxGroups)
	}
	depth, deepest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			depth++
			deepest = max(deepest, depth)
		case ')':
			depth--
		}
	}
	if deepest > maxNesting {
		return fmt.Errorf("regex pattern nests groups deeper than %d levels", maxNesting)
	}
	return nil
}
