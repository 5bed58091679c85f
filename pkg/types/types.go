package types

import "fmt"

// LogIndex is the position of an entry in the replicated log. Index 0 means "nothing".
type LogIndex uint64

// Term is the consensus epoch an entry or vote belongs to.
type Term uint64

// NodeID identifies a node in a cluster. The empty NodeID means "none".
type NodeID string

// LogID pins a log position together with the term it was written in.
type LogID struct {
	Term  Term     `json:"term"`
	Index LogIndex `json:"index"`
}

func (id LogID) IsZero() bool {
	return id.Term == 0 && id.Index == 0
}

func (id LogID) String() string {
	return fmt.Sprintf("%d-%d", id.Term, id.Index)
}

// EntryKind tells the state machine how to treat an entry payload.
type EntryKind uint8

const (
	// KindCommand carries an encoded client command.
	KindCommand EntryKind = iota
	// KindBlank is the no-op a new leader appends to commit entries from earlier terms.
	KindBlank
	// KindMembership carries consensus-internal configuration data.
	KindMembership
)

func (k EntryKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindBlank:
		return "blank"
	case KindMembership:
		return "membership"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is a single record of the replicated log.
type Entry struct {
	Index   LogIndex
	Term    Term
	Kind    EntryKind
	Payload []byte
}

func (e Entry) LogID() LogID {
	return LogID{Term: e.Term, Index: e.Index}
}

// Vote is the durable election state of a node: the latest term it has seen
// and the candidate it granted its vote to in that term.
type Vote struct {
	Term     Term   `json:"term"`
	VotedFor NodeID `json:"voted_for,omitempty"`
}
