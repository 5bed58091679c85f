package logstore

import (
	"raftkv/pkg/dberrors"
	"raftkv/pkg/types"
)

// appendPlan is what an Append has to do on the medium.
type appendPlan struct {
	// truncateFrom is the first stored index to drop, 0 for none.
	truncateFrom types.LogIndex
	entries      []types.Entry
}

func (p appendPlan) empty() bool {
	return p.truncateFrom == 0 && len(p.entries) == 0
}

// planAppend resolves an incoming batch against the stored log: entries that
// are already stored with the same term are skipped, the first term mismatch
// truncates the stored suffix and everything from there on is written.
func planAppend(
	entries []types.Entry,
	st State,
	committed types.LogIndex,
	termAt func(types.LogIndex) (types.Term, error),
) (appendPlan, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			dberrors.Violate("append", "batch is not contiguous: %d follows %d",
				entries[i].Index, entries[i-1].Index)
		}
	}

	// entries already covered by a snapshot
	for len(entries) > 0 && entries[0].Index <= st.LastPurged.Index {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return appendPlan{}, nil
	}

	if entries[0].Index > st.Last.Index+1 {
		dberrors.Violate("append", "gap: first index %d, last stored %d", entries[0].Index, st.Last.Index)
	}

	for i, e := range entries {
		if e.Index > st.Last.Index {
			return appendPlan{entries: entries[i:]}, nil
		}

		term, err := termAt(e.Index)
		if err != nil {
			return appendPlan{}, err
		}
		if term == e.Term {
			continue
		}
		if e.Index <= committed {
			dberrors.Violate("append", "entry %d conflicts with committed log (term %d, stored %d, committed %d)",
				e.Index, e.Term, term, committed)
		}
		return appendPlan{truncateFrom: e.Index, entries: entries[i:]}, nil
	}

	return appendPlan{}, nil
}

func checkTruncate(from types.LogIndex, st State, committed types.LogIndex) {
	if from <= committed {
		dberrors.Violate("truncate", "from %d is at or below committed index %d", from, committed)
	}
	if from <= st.LastPurged.Index {
		dberrors.Violate("truncate", "from %d is inside the purged range (last purged %d)", from, st.LastPurged.Index)
	}
}

func checkPurge(upTo types.LogID, committed types.LogIndex) {
	if upTo.Index > committed {
		dberrors.Violate("purge", "up to %d is above committed index %d", upTo.Index, committed)
	}
}

func maxIndex(a, b types.LogIndex) types.LogIndex {
	if a > b {
		return a
	}
	return b
}
