package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
)

// Command history pages. Oversized limits are clamped rather than rejected.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type historyPage struct {
	Limit  int
	Offset int
}

// parseHistoryPage reads limit and offset from the query string. Missing
// values take the defaults; malformed or negative ones are an input error.
func parseHistoryPage(r *http.Request) (historyPage, error) {
	page := historyPage{Limit: defaultHistoryLimit}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return page, apperrors.InvalidInput("limit", "must be a positive integer")
		}
		page.Limit = min(limit, maxHistoryLimit)
	}

	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return page, apperrors.InvalidInput("offset", "must be a non-negative integer")
		}
		page.Offset = offset
	}

	return page, nil
}
