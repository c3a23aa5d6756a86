package collab

import "time"

// RevisionEvent is published once per committed revision so downstream
// consumers can follow document changes.
type RevisionEvent struct {
	EventType   string    `json:"eventType"` // always "REVISION_COMMITTED"
	ObjectID    string    `json:"objectId"`
	Kind        DocKind   `json:"kind"`
	RevID       int64     `json:"revId"`
	BaseRevID   int64     `json:"baseRevId"`
	Author      string    `json:"author"`
	MD5         string    `json:"md5"`
	Delta       []byte    `json:"delta"`
	CommittedAt time.Time `json:"committedAt"`
}

const EventRevisionCommitted = "REVISION_COMMITTED"
