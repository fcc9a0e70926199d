package model

import (
	"sort"
	"time"
)

// Ban is a banned username as exported by the admin tooling.
type Ban struct {
	Username  string    `json:"username" yaml:"username"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// SortedNames returns the keys of a username set in ascending order.
func SortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
