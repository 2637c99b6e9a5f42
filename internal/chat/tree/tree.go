// Package tree holds the pure branch-resolution algorithms over a
// conversation's message set: ancestor walks, leaf discovery, and active-path
// recomputation. Nothing here mutates or touches storage; callers build an
// Index once per mutation and reuse it.
package tree

import (
	"sort"

	"github.com/google/uuid"

	"github.com/strandchat/strand-backend/internal/domain/chat"
)

// Index is a children-by-parent adjacency view of one conversation's messages.
//
// primary groups messages by their primary parent (uuid.Nil for roots) and is
// the basis for sibling ranks and ancestor walks. descent additionally links
// merge nodes under their extra parents, so leaf discovery can descend through
// a merge from any of its parents.
type Index struct {
	byID    map[uuid.UUID]*chat.ChatMessage
	primary map[uuid.UUID][]*chat.ChatMessage
	descent map[uuid.UUID][]*chat.ChatMessage
}

// FlagPatch is one pending is_active_branch write.
type FlagPatch struct {
	ID     uuid.UUID
	Active bool
}

func NewIndex(msgs []*chat.ChatMessage) *Index {
	ix := &Index{
		byID:    make(map[uuid.UUID]*chat.ChatMessage, len(msgs)),
		primary: make(map[uuid.UUID][]*chat.ChatMessage),
		descent: make(map[uuid.UUID][]*chat.ChatMessage),
	}
	for _, m := range msgs {
		if m == nil || m.ID == uuid.Nil {
			continue
		}
		ix.byID[m.ID] = m
	}
	for _, m := range ix.byID {
		parent := uuid.Nil
		if m.ParentMessageID != nil {
			parent = *m.ParentMessageID
		}
		ix.primary[parent] = append(ix.primary[parent], m)
		ix.descent[parent] = append(ix.descent[parent], m)
		for _, extra := range m.MergedParents() {
			if extra != uuid.Nil && extra != parent {
				ix.descent[extra] = append(ix.descent[extra], m)
			}
		}
	}
	for _, group := range ix.primary {
		sortSiblings(group)
	}
	for _, group := range ix.descent {
		sortSiblings(group)
	}
	return ix
}

// Ties in sibling_index should not occur under the lock, but concurrent writes
// without it can produce them; creation time then id keeps descent deterministic.
func sortSiblings(group []*chat.ChatMessage) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.SiblingIndex != b.SiblingIndex {
			return a.SiblingIndex < b.SiblingIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func (ix *Index) Get(id uuid.UUID) (*chat.ChatMessage, bool) {
	m, ok := ix.byID[id]
	return m, ok
}

func (ix *Index) Len() int { return len(ix.byID) }

// PrimaryChildren returns the messages whose primary parent is parentID, in
// sibling order. uuid.Nil yields the root group.
func (ix *Index) PrimaryChildren(parentID uuid.UUID) []*chat.ChatMessage {
	return ix.primary[parentID]
}

// NextSiblingIndex returns the insertion-order rank for a new child of parent.
// nil means a new root message.
func (ix *Index) NextSiblingIndex(parent *uuid.UUID) int {
	key := uuid.Nil
	if parent != nil {
		key = *parent
	}
	next := 0
	for _, m := range ix.primary[key] {
		if m.SiblingIndex >= next {
			next = m.SiblingIndex + 1
		}
	}
	return next
}

// AncestorPath walks primary parents from leafID up to the root and returns
// the ids in leaf-to-root order. A revisited node means the stored lineage is
// corrupt; that is surfaced as an invariant violation rather than looping.
func (ix *Index) AncestorPath(leafID uuid.UUID) ([]uuid.UUID, error) {
	const op = "tree.AncestorPath"
	cur, ok := ix.byID[leafID]
	if !ok {
		return nil, chat.NewError(chat.CodeNotFound, op, "message not in conversation: "+leafID.String(), nil)
	}
	path := make([]uuid.UUID, 0, 8)
	seen := make(map[uuid.UUID]bool, 8)
	for {
		if seen[cur.ID] {
			return nil, chat.NewError(chat.CodeInvariantViolation, op, "cycle detected at "+cur.ID.String(), nil)
		}
		seen[cur.ID] = true
		path = append(path, cur.ID)
		if cur.ParentMessageID == nil {
			return path, nil
		}
		next, ok := ix.byID[*cur.ParentMessageID]
		if !ok {
			// Dangling parent link: treat the last resolvable node as root.
			return path, nil
		}
		cur = next
	}
}

// DescentPath descends from startID, always taking the lowest-ranked child
// (merge links included), and returns the visited ids start-to-tip. A
// revisited node stops the walk. Activating this forward path alongside the
// start's ancestry is what keeps a switch onto a merged-in branch coherent:
// the merge node's primary lineage may run up a different branch entirely.
func (ix *Index) DescentPath(startID uuid.UUID) ([]uuid.UUID, error) {
	const op = "tree.DescentPath"
	cur, ok := ix.byID[startID]
	if !ok {
		return nil, chat.NewError(chat.CodeNotFound, op, "message not in conversation: "+startID.String(), nil)
	}
	path := []uuid.UUID{cur.ID}
	seen := map[uuid.UUID]bool{cur.ID: true}
	for {
		children := ix.descent[cur.ID]
		if len(children) == 0 {
			return path, nil
		}
		next := children[0]
		if seen[next.ID] {
			return path, nil
		}
		seen[next.ID] = true
		cur = next
		path = append(path, cur.ID)
	}
}

// LeafOf returns the tip of the descent from startID.
func (ix *Index) LeafOf(startID uuid.UUID) (uuid.UUID, error) {
	path, err := ix.DescentPath(startID)
	if err != nil {
		return uuid.Nil, err
	}
	return path[len(path)-1], nil
}

// ActiveSet returns the membership set of the root-to-leaf path through leafID.
func (ix *Index) ActiveSet(leafID uuid.UUID) (map[uuid.UUID]bool, error) {
	path, err := ix.AncestorPath(leafID)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]bool, len(path))
	for _, id := range path {
		set[id] = true
	}
	return set, nil
}

// DiffActivePath compares every indexed message's is_active_branch flag
// against membership in activeSet and returns only the flips, minimizing
// writes. Patch order is deterministic (creation time, then id).
func (ix *Index) DiffActivePath(activeSet map[uuid.UUID]bool) []FlagPatch {
	changed := make([]*chat.ChatMessage, 0)
	for _, m := range ix.byID {
		if activeSet[m.ID] != m.IsActiveBranch {
			changed = append(changed, m)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		a, b := changed[i], changed[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	patches := make([]FlagPatch, 0, len(changed))
	for _, m := range changed {
		patches = append(patches, FlagPatch{ID: m.ID, Active: activeSet[m.ID]})
	}
	return patches
}

// Root resolves the parentless ancestor of id via the primary lineage.
func (ix *Index) Root(id uuid.UUID) (uuid.UUID, error) {
	path, err := ix.AncestorPath(id)
	if err != nil {
		return uuid.Nil, err
	}
	return path[len(path)-1], nil
}
