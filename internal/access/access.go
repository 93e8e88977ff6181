// Package access generates the search-index filter and the per-document
// authorization check for corrective-action tasks. It treats the task
// category id as a constant handed to it by the workflow configuration.
package access

import "pdcaflow/internal/domain"

// Term is one exact-match clause of an index filter.
type Term struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Filter is a boolean index query: every Must clause is required, and at
// least one Should clause when any are present.
type Filter struct {
	Must   []Term `json:"must"`
	Should []Term `json:"should,omitempty"`
}

// Matches evaluates the filter against a flat field/value view of an
// indexed document.
func (f Filter) Matches(fields map[string]string) bool {
	for _, t := range f.Must {
		if fields[t.Field] != t.Value {
			return false
		}
	}
	if len(f.Should) == 0 {
		return true
	}
	for _, t := range f.Should {
		if fields[t.Field] == t.Value {
			return true
		}
	}
	return false
}

// IndexFilter builds the search filter for a user. Administrators see the
// whole inspection module; everyone else is restricted to tasks they
// reported or are logged in on.
func IndexFilter(taskCategoryID, userID string, admin bool) Filter {
	f := Filter{Must: []Term{{Field: "module", Value: domain.ModuleInspection}}}
	if userID == "" {
		// Unauthenticated: match nothing.
		f.Must = append(f.Must, Term{Field: "id", Value: "-1"})
		return f
	}
	if admin {
		return f
	}
	f.Must = append(f.Must, Term{Field: "category_id", Value: taskCategoryID})
	f.Should = append(f.Should,
		Term{Field: "registered_by", Value: userID},
		Term{Field: "logged_in_user", Value: userID},
	)
	return f
}

// Authorize decides whether a user may open a document. Only task documents
// are opened through this path; the user must be the task's recipient or
// its monitor unless they are an administrator.
func Authorize(doc domain.Document, taskCategoryID, userID string, admin bool, recipients, monitoredBy []string) bool {
	if admin {
		return true
	}
	if doc.Module != domain.ModuleInspection {
		return false
	}
	if doc.CategoryID != taskCategoryID {
		return false
	}
	for _, id := range recipients {
		if id == userID {
			return true
		}
	}
	for _, id := range monitoredBy {
		if id == userID {
			return true
		}
	}
	return false
}
