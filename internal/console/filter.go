package console

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterType selects how an OutputFilter matches lines
type FilterType string

const (
	FilterNone   FilterType = "none"
	FilterErrors FilterType = "errors"
	FilterSearch FilterType = "search"
	FilterRegex  FilterType = "regex"
)

var errorKeywords = []string{
	"error",
	"exception",
	"fatal",
	"warn",
	"failed",
	"failure",
	"critical",
	"crash",
}

// OutputFilter selects console lines for the operator history view
type OutputFilter struct {
	Type          FilterType
	Pattern       string
	CaseSensitive bool
	regex         *regexp.Regexp
}

// NewOutputFilter creates a new output filter
func NewOutputFilter(filterType FilterType, pattern string, caseSensitive bool) (*OutputFilter, error) {
	filter := &OutputFilter{
		Type:          filterType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch filterType {
	case FilterNone, FilterErrors, FilterSearch:
	case FilterRegex:
		if pattern == "" {
			return nil, fmt.Errorf("regex filter requires a pattern")
		}
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		compiled, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		filter.regex = compiled
	default:
		return nil, fmt.Errorf("unknown filter type: %s", filterType)
	}

	return filter, nil
}

// ParseFilter builds a filter from operator input:
// "" matches everything, "errors" matches error lines, "/expr/" is a regex,
// and anything else is a case-insensitive search.
func ParseFilter(spec string) (*OutputFilter, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return NewOutputFilter(FilterNone, "", false)
	case spec == "errors":
		return NewOutputFilter(FilterErrors, "", false)
	case len(spec) > 2 && strings.HasPrefix(spec, "/") && strings.HasSuffix(spec, "/"):
		return NewOutputFilter(FilterRegex, spec[1:len(spec)-1], true)
	default:
		return NewOutputFilter(FilterSearch, spec, false)
	}
}

// Match reports whether a line passes the filter
func (f *OutputFilter) Match(line string) bool {
	switch f.Type {
	case FilterErrors:
		lower := strings.ToLower(line)
		for _, keyword := range errorKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
		return false
	case FilterSearch:
		if f.Pattern == "" {
			return true
		}
		if f.CaseSensitive {
			return strings.Contains(line, f.Pattern)
		}
		return strings.Contains(strings.ToLower(line), strings.ToLower(f.Pattern))
	case FilterRegex:
		return f.regex.MatchString(line)
	default:
		return true
	}
}

// FilterLines applies the filter to multiple lines
func (f *OutputFilter) FilterLines(lines []string) []string {
	if f.Type == FilterNone {
		return lines
	}

	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if f.Match(line) {
			filtered = append(filtered, line)
		}
	}
	return filtered
}
