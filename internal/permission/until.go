package permission

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseAccessUntil turns a grant expiry expression into a time. It accepts
// RFC 3339 timestamps, plain dates (end of that day in now's location) and
// natural language such as "in 2 weeks" or "next friday".
func ParseAccessUntil(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("access-until expression is empty")
	}

	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	if d, err := time.ParseInLocation("2006-01-02", expr, now.Location()); err == nil {
		return d.Add(24*time.Hour - time.Second), nil
	}

	r, err := parser.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access-until %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse access-until %q: no date found", expr)
	}
	return r.Time, nil
}

// FormatAccessUntil renders t in the form stored on memberships.
func FormatAccessUntil(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
