package gorm

import (
	"net/http"
	"strconv"
)

// MaxPassRunLimit caps how many pass runs a single history query returns.
const MaxPassRunLimit = 1000

// ParseLimitParamWithMax reads the "limit" query parameter.
// Missing or non-positive values yield defaultLimit; larger values are
// capped at maxLimit, or MaxPassRunLimit when maxLimit is 0.
func ParseLimitParamWithMax(r *http.Request, defaultLimit, maxLimit int) int {
	if maxLimit <= 0 {
		maxLimit = MaxPassRunLimit
	}
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return min(limit, maxLimit)
}
