package events

import (
	"fmt"
)

// Kind is a closed enum of workflow lifecycle events. The wire names are
// stable identifiers; consumers version by name.
type Kind int

const (
	KindUnknown Kind = iota
	DocumentCreated
	DocumentUpdate
	DocumentDeleted
	TaskCreated
	TaskUpdate
	TaskDeleted
)

const (
	nameDocumentCreated = "pdcaflow.document.created"
	nameDocumentUpdate  = "pdcaflow.document.update"
	nameDocumentDeleted = "pdcaflow.document.deleted"
	nameTaskCreated     = "pdcaflow.task.created"
	nameTaskUpdate      = "pdcaflow.task.update"
	nameTaskDeleted     = "pdcaflow.task.deleted"
)

func (k Kind) String() string {
	switch k {
	case DocumentCreated:
		return nameDocumentCreated
	case DocumentUpdate:
		return nameDocumentUpdate
	case DocumentDeleted:
		return nameDocumentDeleted
	case TaskCreated:
		return nameTaskCreated
	case TaskUpdate:
		return nameTaskUpdate
	case TaskDeleted:
		return nameTaskDeleted
	}
	return fmt.Sprintf("pdcaflow.unknown(%d)", int(k))
}

// ParseKind maps a wire name back to its Kind. Unknown names yield
// KindUnknown and false; callers log and drop those.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case nameDocumentCreated:
		return DocumentCreated, true
	case nameDocumentUpdate:
		return DocumentUpdate, true
	case nameDocumentDeleted:
		return DocumentDeleted, true
	case nameTaskCreated:
		return TaskCreated, true
	case nameTaskUpdate:
		return TaskUpdate, true
	case nameTaskDeleted:
		return TaskDeleted, true
	}
	return KindUnknown, false
}

// Kinds lists every defined event kind. Handler maps are checked against it
// for exhaustiveness at construction time.
func Kinds() []Kind {
	return []Kind{DocumentCreated, DocumentUpdate, DocumentDeleted, TaskCreated, TaskUpdate, TaskDeleted}
}
