package message

import "sort"

// SortChrono orders messages by (CreatedAt, Seq), the thread's total order.
func SortChrono(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Index is a chronological arena over one thread's messages plus a
// parent->children adjacency, so cascade traversal is O(subtree) instead of
// repeated linear scans.
type Index struct {
	msgs     []*Message
	pos      map[string]int
	children map[string][]int
}

// NewIndex copies and sorts msgs chronologically and builds the adjacency.
func NewIndex(msgs []*Message) *Index {
	arena := make([]*Message, len(msgs))
	copy(arena, msgs)
	SortChrono(arena)

	idx := &Index{
		msgs:     arena,
		pos:      make(map[string]int, len(arena)),
		children: make(map[string][]int),
	}
	for i, m := range arena {
		idx.pos[m.ID] = i
		if m.ParentID != nil {
			idx.children[*m.ParentID] = append(idx.children[*m.ParentID], i)
		}
	}
	return idx
}

func (x *Index) Len() int { return len(x.msgs) }

func (x *Index) At(i int) *Message { return x.msgs[i] }

// Messages returns the chronological arena. Callers must not mutate it.
func (x *Index) Messages() []*Message { return x.msgs }

func (x *Index) IndexOf(id string) (int, bool) {
	i, ok := x.pos[id]
	return i, ok
}

// Suffix returns every message at position >= i.
func (x *Index) Suffix(i int) []*Message {
	if i < 0 || i >= len(x.msgs) {
		return nil
	}
	return x.msgs[i:]
}

// Subtree returns id's message and all of its reply descendants in
// reverse-dependency order: children always precede their parent, so deleting
// in slice order never leaves a dangling reference.
func (x *Index) Subtree(id string) []*Message {
	i, ok := x.pos[id]
	if !ok {
		return nil
	}
	var out []*Message
	var walk func(int)
	walk = func(n int) {
		for _, child := range x.children[x.msgs[n].ID] {
			walk(child)
		}
		out = append(out, x.msgs[n])
	}
	walk(i)
	return out
}
