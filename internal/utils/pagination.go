// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// Page size bounds applied to list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampPage bounds a 1-based page number and a page size: page is at least
// 1, size falls back to DefaultPageSize when non-positive and is capped at
// MaxPageSize.
func ClampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the row offset of a clamped page.
func Offset(page, size int) int {
	return (page - 1) * size
}

// TotalPages is ceil(total/size); zero when size is not positive.
func TotalPages(total int64, size int) int {
	if size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
