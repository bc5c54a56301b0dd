package domain

import "encoding/json"

// Op is the operation kind carried by an event. Unknown kinds are kept as-is
// so the dispatcher can reject them.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Known reports whether the op is one of the three operations the relay routes.
func (o Op) Known() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// CollectionBoards is the collection the replica tracks.
const CollectionBoards = "BOARDS"

// Event is a single create/update/delete notification on a tracked collection.
type Event struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	DocID      string          `json:"doc_id,omitempty"` // key segment after the collection, if present
	Data       json.RawMessage `json:"data,omitempty"`
	Seq        uint64          `json:"seq"` // assigned by the queue on enqueue
}
