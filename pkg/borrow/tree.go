// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package borrow

import (
	"sort"

	"github.com/mirage-rt/mirage/pkg/mem"
)

// TreePermission is a node's per-location state in the Tree Borrows
// lattice of spec §4.3.2: Reserved < Active < Frozen < Disabled, in
// increasing order of restriction.
type TreePermission int

const (
	Reserved TreePermission = iota
	Active
	Frozen
	TreeDisabled
)

func (p TreePermission) String() string {
	switch p {
	case Reserved:
		return "Reserved"
	case Active:
		return "Active"
	case Frozen:
		return "Frozen"
	case TreeDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// signal is one of the four (local|foreign) x (read|write)
// combinations that drive a Tree Borrows transition.
type signal int

const (
	sigLocRd signal = iota
	sigLocWr
	sigForRd
	sigForWr
)

// transitionTable is spec §4.3.2's table verbatim; ok=false marks the
// table's "UB" cells.
var transitionTable = map[TreePermission][4]struct {
	to TreePermission
	ok bool
}{
	Reserved: {
		sigLocRd: {Active, true},
		sigLocWr: {Active, true},
		sigForRd: {Reserved, true},
		sigForWr: {TreeDisabled, true},
	},
	Active: {
		sigLocRd: {Active, true},
		sigLocWr: {Active, true},
		sigForRd: {Frozen, true},
		sigForWr: {TreeDisabled, true},
	},
	Frozen: {
		sigLocRd: {Frozen, true},
		sigLocWr: {TreeDisabled, true},
		sigForRd: {Frozen, true},
		sigForWr: {TreeDisabled, true},
	},
	TreeDisabled: {
		sigLocRd: {TreeDisabled, false},
		sigLocWr: {TreeDisabled, false},
		sigForRd: {TreeDisabled, true},
		sigForWr: {TreeDisabled, true},
	},
}

func signalFor(local bool, kind AccessKind) signal {
	switch {
	case local && kind == Read:
		return sigLocRd
	case local && kind == Write:
		return sigLocWr
	case !local && kind == Read:
		return sigForRd
	default:
		return sigForWr
	}
}

type treeNode struct {
	tag       mem.BorrowTag
	parent    mem.BorrowTag
	hasParent bool
	children  []mem.BorrowTag

	perLoc []TreePermission

	protected bool

	// exposedDescendants counts how many tags in this node's own
	// subtree (including itself) have been exposed via a
	// pointer-to-integer cast, per spec §4.3.2's wildcard paragraph.
	exposedDescendants int
}

type treeAlloc struct {
	size         uint64
	root         mem.BorrowTag
	nodes        map[mem.BorrowTag]*treeNode
	exposedTotal int
}

// orderedTags returns every node's tag in increasing mint order, so
// transition application (and therefore which violation is reported
// first) is independent of map iteration order (spec §8's
// borrow-tracker-determinism property).
func (a *treeAlloc) orderedTags() []mem.BorrowTag {
	tags := make([]mem.BorrowTag, 0, len(a.nodes))
	for t := range a.nodes {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Tree implements the tree-of-tags aliasing model of spec §4.3.2,
// including wildcard classification (§4.3.2's Local/Foreign/Either
// paragraph).
type Tree struct {
	allocs map[mem.AllocID]*treeAlloc
}

// NewTree constructs an empty Tree tracker.
func NewTree() *Tree {
	return &Tree{allocs: make(map[mem.AllocID]*treeAlloc)}
}

func (t *Tree) NewAllocation(id mem.AllocID, size uint64, initial mem.BorrowTag) {
	root := &treeNode{tag: initial, perLoc: make([]TreePermission, size)}
	for i := range root.perLoc {
		root.perLoc[i] = Active // the root reference is immediately usable.
	}
	t.allocs[id] = &treeAlloc{
		size:  size,
		root:  initial,
		nodes: map[mem.BorrowTag]*treeNode{initial: root},
	}
}

func (t *Tree) alloc(id mem.AllocID) (*treeAlloc, error) {
	a, ok := t.allocs[id]
	if !ok {
		return nil, &AliasingError{Detail: "access to an allocation with no borrow-tracker state"}
	}
	return a, nil
}

// ancestors returns the set of tags from the tree's root down to
// and including tag, or nil if tag isn't present.
func (a *treeAlloc) ancestors(tag mem.BorrowTag) map[mem.BorrowTag]bool {
	n, ok := a.nodes[tag]
	if !ok {
		return nil
	}
	set := map[mem.BorrowTag]bool{tag: true}
	for n.hasParent {
		set[n.parent] = true
		n = a.nodes[n.parent]
	}
	return set
}

func (t *Tree) Access(id mem.AllocID, off, size uint64, tag mem.BorrowTag, kind AccessKind) error {
	a, err := t.alloc(id)
	if err != nil {
		return err
	}
	path := a.ancestors(tag)
	if path == nil {
		return &AliasingError{Detail: "dangling tag: not present in this allocation's tree"}
	}
	for _, t := range a.orderedTags() {
		n := a.nodes[t]
		local := path[n.tag]
		if err := applyTransition(n, off, size, a.size, local, kind); err != nil {
			return err
		}
	}
	return nil
}

func applyTransition(n *treeNode, off, size, allocSize uint64, local bool, kind AccessKind) error {
	sig := signalFor(local, kind)
	for b := off; b < off+size && b < allocSize; b++ {
		row := transitionTable[n.perLoc[b]]
		cell := row[sig]
		if !cell.ok {
			return &AliasingError{Detail: "use of a disabled tag (" + n.tag.String() + ")"}
		}
		if cell.to == TreeDisabled && n.protected && n.perLoc[b] != TreeDisabled {
			return &AliasingError{Detail: "protected tag invalidated (" + n.tag.String() + ")"}
		}
		n.perLoc[b] = cell.to
	}
	return nil
}

func (t *Tree) Retag(id mem.AllocID, off, size uint64, parent, new mem.BorrowTag, kind RetagKind, protect bool) error {
	a, err := t.alloc(id)
	if err != nil {
		return err
	}
	// Creating a new pointer is a read access through the parent,
	// regardless of the new reference's own mutability: the retag
	// itself observes the pointee, it does not write it. (A unique
	// child only claims write permission lazily, on its first local
	// write — that is what Reserved models.)
	if err := t.Access(id, off, size, parent, Read); err != nil {
		return err
	}
	parentNode := a.nodes[parent]
	child := &treeNode{
		tag:       new,
		parent:    parent,
		hasParent: true,
		perLoc:    make([]TreePermission, a.size),
		protected: protect,
	}
	initial := Reserved
	if kind == RetagRawPointer {
		initial = Active
	}
	for b := off; b < off+size && b < a.size; b++ {
		child.perLoc[b] = initial
	}
	a.nodes[new] = child
	parentNode.children = append(parentNode.children, new)
	if len(a.nodes) > treeGCThreshold {
		a.collect()
	}
	return nil
}

// treeGCThreshold is the per-allocation live-tag count past which
// Retag opportunistically garbage-collects unreachable subtrees
// (spec §9: "garbage-collect unreachable subtrees opportunistically
// when the number of live tags exceeds a threshold").
const treeGCThreshold = 1 << 12

// collect removes leaf nodes that can never influence a future
// access or diagnostic transition: fully Disabled at every location,
// unprotected, and with no exposed descendants (an exposed tag must
// survive for wildcard classification). Removing such a node can make
// its parent a collectible leaf, so the sweep iterates to a fixpoint.
func (a *treeAlloc) collect() {
	for {
		removed := false
		for _, t := range a.orderedTags() {
			n := a.nodes[t]
			if t == a.root || len(n.children) > 0 || n.protected || n.exposedDescendants > 0 {
				continue
			}
			dead := true
			for _, p := range n.perLoc {
				if p != TreeDisabled {
					dead = false
					break
				}
			}
			if !dead {
				continue
			}
			delete(a.nodes, t)
			if parent, ok := a.nodes[n.parent]; ok {
				for i, c := range parent.children {
					if c == t {
						parent.children = append(parent.children[:i], parent.children[i+1:]...)
						break
					}
				}
			}
			removed = true
		}
		if !removed {
			return
		}
	}
}

func (t *Tree) EndProtector(id mem.AllocID, tag mem.BorrowTag) error {
	a, err := t.alloc(id)
	if err != nil {
		return err
	}
	if n, ok := a.nodes[tag]; ok {
		n.protected = false
	}
	return nil
}

func (t *Tree) FreeAllocation(id mem.AllocID, tag mem.BorrowTag) error {
	a, err := t.alloc(id)
	if err != nil {
		return err
	}
	if err := t.Access(id, 0, a.size, tag, Write); err != nil {
		return err
	}
	delete(t.allocs, id)
	return nil
}

// wildcardClass is the outcome of classifying an access whose pointer
// carries Wildcard provenance, per spec §4.3.2.
type wildcardClass int

const (
	classLocal wildcardClass = iota
	classForeign
	classEither
)

// ExposeTag marks tag (and every ancestor up to the root) as having
// one more exposed descendant, consulted by AccessWildcard to decide
// whether a subsequent wildcard access is Local, Foreign, or
// Either relative to each node.
func (t *Tree) ExposeTag(id mem.AllocID, tag mem.BorrowTag) {
	a, ok := t.allocs[id]
	if !ok {
		return
	}
	a.exposedTotal++
	for n, ok := a.nodes[tag]; ok; {
		n.exposedDescendants++
		if !n.hasParent {
			break
		}
		n, ok = a.nodes[n.parent]
	}
}

// AccessWildcard validates and updates aliasing state for an access
// through a Wildcard{alloc_id} pointer (no specific tag known). Every
// node's relation to the access is classified via its exposed-
// descendant counters; an Either classification must be legal under
// both interpretations, so both transitions are computed and the more
// restrictive surviving permission is kept.
func (t *Tree) AccessWildcard(id mem.AllocID, off, size uint64, kind AccessKind) error {
	a, err := t.alloc(id)
	if err != nil {
		return err
	}
	for _, t := range a.orderedTags() {
		n := a.nodes[t]
		class := classify(n, a.exposedTotal)
		if err := applyWildcardTransition(n, off, size, a.size, class, kind); err != nil {
			return err
		}
	}
	return nil
}

// NthParent walks n steps up the tree from tag, returning the
// ancestor reached, for the tree-introspection extern hook surface.
// Walking past the root reports the root itself.
func (t *Tree) NthParent(id mem.AllocID, tag mem.BorrowTag, n int) (mem.BorrowTag, bool) {
	a, ok := t.allocs[id]
	if !ok {
		return 0, false
	}
	node, ok := a.nodes[tag]
	if !ok {
		return 0, false
	}
	for i := 0; i < n && node.hasParent; i++ {
		node = a.nodes[node.parent]
	}
	return node.tag, true
}

// CommonAncestor returns the deepest tag that is an ancestor-or-self
// of both p and q.
func (t *Tree) CommonAncestor(id mem.AllocID, p, q mem.BorrowTag) (mem.BorrowTag, bool) {
	a, ok := t.allocs[id]
	if !ok {
		return 0, false
	}
	pAnc := a.ancestors(p)
	if pAnc == nil {
		return 0, false
	}
	node, ok := a.nodes[q]
	if !ok {
		return 0, false
	}
	for {
		if pAnc[node.tag] {
			return node.tag, true
		}
		if !node.hasParent {
			return 0, false
		}
		node = a.nodes[node.parent]
	}
}

func classify(n *treeNode, exposedTotal int) wildcardClass {
	switch {
	case exposedTotal == 0:
		return classForeign
	case n.exposedDescendants == exposedTotal:
		return classLocal
	case n.exposedDescendants == 0:
		return classForeign
	default:
		return classEither
	}
}

func applyWildcardTransition(n *treeNode, off, size, allocSize uint64, class wildcardClass, kind AccessKind) error {
	if class != classEither {
		return applyTransition(n, off, size, allocSize, class == classLocal, kind)
	}
	for b := off; b < off+size && b < allocSize; b++ {
		locCell := transitionTable[n.perLoc[b]][signalFor(true, kind)]
		forCell := transitionTable[n.perLoc[b]][signalFor(false, kind)]
		if !locCell.ok || !forCell.ok {
			return &AliasingError{Detail: "wildcard access illegal under at least one interpretation (" + n.tag.String() + ")"}
		}
		result := locCell.to
		if forCell.to > result {
			result = forCell.to
		}
		if result == TreeDisabled && n.protected && n.perLoc[b] != TreeDisabled {
			return &AliasingError{Detail: "protected tag invalidated by wildcard access (" + n.tag.String() + ")"}
		}
		n.perLoc[b] = result
	}
	return nil
}

var _ Tracker = (*Tree)(nil)
