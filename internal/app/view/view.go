package view

import (
	"chatcore/internal/app/message"
)

// Entry is one message in the optimistic view. Saved distinguishes entries
// with a durable backing record from ones that exist only locally, e.g. a
// freshly streamed assistant message not yet flushed.
type Entry struct {
	Msg   *message.Message
	Saved bool
}

// ThreadView is the authoritative in-memory message sequence for one open
// thread. It is plain data; the coordinator owns locking. All mutations are
// expressed as pure transition functions over []Entry so the concurrency
// contract stays auditable.
type ThreadView struct {
	ThreadID string
	entries  []Entry
}

// NewThreadView builds a view from the store's current sequence; everything
// loaded from the store is saved by definition.
func NewThreadView(threadID string, msgs []*message.Message) *ThreadView {
	sorted := make([]*message.Message, len(msgs))
	copy(sorted, msgs)
	message.SortChrono(sorted)

	entries := make([]Entry, len(sorted))
	for i, m := range sorted {
		entries[i] = Entry{Msg: m, Saved: true}
	}
	return &ThreadView{ThreadID: threadID, entries: entries}
}

func (v *ThreadView) Len() int { return len(v.entries) }

// Messages returns a snapshot of the current sequence.
func (v *ThreadView) Messages() []*message.Message {
	out := make([]*message.Message, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.Msg
	}
	return out
}

func (v *ThreadView) indexOf(id string) (int, bool) {
	for i, e := range v.entries {
		if e.Msg.ID == id {
			return i, true
		}
	}
	return 0, false
}

// nextSeq returns the sequence number for the next appended entry.
func (v *ThreadView) nextSeq() int64 {
	if len(v.entries) == 0 {
		return 1
	}
	return v.entries[len(v.entries)-1].Msg.Seq + 1
}

// appendEntry is the append transition: the new message goes at the end,
// unsaved until its persistence task confirms.
func appendEntry(entries []Entry, m *message.Message) []Entry {
	out := make([]Entry, len(entries), len(entries)+1)
	copy(out, entries)
	return append(out, Entry{Msg: m, Saved: false})
}

// cascadeFrom is the suffix-delete transition: everything at the target's
// position and after is removed. The removed slice comes back in view order;
// ok is false when the id is not in the view.
func cascadeFrom(entries []Entry, i int) (kept, removed []Entry) {
	kept = make([]Entry, i)
	copy(kept, entries[:i])
	removed = make([]Entry, len(entries)-i)
	copy(removed, entries[i:])
	return kept, removed
}

// editEntry is the in-place edit transition: content replaced, edited flag
// set, saved cleared until the update is flushed.
func editEntry(entries []Entry, i int, content string) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)

	edited := out[i].Msg.Clone()
	edited.Content = content
	edited.Edited = true
	out[i] = Entry{Msg: edited, Saved: out[i].Saved}
	return out
}

// markSaved flips an entry to saved once its backing record is durable.
func markSaved(entries []Entry, id string) []Entry {
	for i := range entries {
		if entries[i].Msg.ID == id {
			entries[i].Saved = true
			break
		}
	}
	return entries
}
