package memutils

import (
	"github.com/cockroachdb/errors"
)

// IntervalNode is a single entry in an IntervalTree, covering the inclusive
// address range [Start, Last] and carrying a caller-provided payload. Nodes
// are allocated and owned by the caller; the tree only links them together.
// Start and Last must not be modified while the node is inserted.
type IntervalNode[V any] struct {
	Start uint64
	Last  uint64
	Value V

	left    *IntervalNode[V]
	right   *IntervalNode[V]
	parent  *IntervalNode[V]
	height  int
	maxLast uint64
}

// Range returns the inclusive range this node covers
func (n *IntervalNode[V]) Range() Range {
	return Range{Start: n.Start, Last: n.Last}
}

// IntervalTree is a balanced binary tree of address ranges, augmented with the
// maximum range end of each subtree so that all nodes overlapping a query
// range can be found in O(log n + k) for k matches. The zero value is an empty
// tree ready for use.
//
// The tree performs no locking of its own. Mutation requires the caller to
// hold its exclusive lock; traversal with FirstOverlap/NextOverlap is safe for
// any number of concurrent readers under a caller-held non-exclusive lock.
//
// Zero-length and inverted ranges must be rejected by the caller before
// insertion. The tree never produces them internally.
type IntervalTree[V any] struct {
	root  *IntervalNode[V]
	count int
}

// Count returns the number of nodes currently inserted
func (t *IntervalTree[V]) Count() int {
	return t.count
}

// IsEmpty returns true when no nodes are inserted
func (t *IntervalTree[V]) IsEmpty() bool {
	return t.count == 0
}

func treeHeight[V any](n *IntervalNode[V]) int {
	if n == nil {
		return 0
	}
	return n.height
}

// update recomputes the node's height and subtree max-last from its children
func (n *IntervalNode[V]) update() {
	n.height = 1
	n.maxLast = n.Last

	if n.left != nil {
		if n.left.height >= n.height {
			n.height = n.left.height + 1
		}
		if n.left.maxLast > n.maxLast {
			n.maxLast = n.left.maxLast
		}
	}

	if n.right != nil {
		if n.right.height >= n.height {
			n.height = n.right.height + 1
		}
		if n.right.maxLast > n.maxLast {
			n.maxLast = n.right.maxLast
		}
	}
}

func (t *IntervalTree[V]) replaceChild(parent, old, replacement *IntervalNode[V]) {
	if parent == nil {
		t.root = replacement
	} else if parent.left == old {
		parent.left = replacement
	} else {
		parent.right = replacement
	}
}

func (t *IntervalTree[V]) rotateLeft(x *IntervalNode[V]) *IntervalNode[V] {
	y := x.right

	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}

	y.parent = x.parent
	t.replaceChild(x.parent, x, y)

	y.left = x
	x.parent = y

	x.update()
	y.update()

	return y
}

func (t *IntervalTree[V]) rotateRight(x *IntervalNode[V]) *IntervalNode[V] {
	y := x.left

	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}

	y.parent = x.parent
	t.replaceChild(x.parent, x, y)

	y.right = x
	x.parent = y

	x.update()
	y.update()

	return y
}

// rebalance walks from n to the root, refreshing heights and subtree max-last
// values and rotating any subtree whose balance factor left the AVL bound
func (t *IntervalTree[V]) rebalance(n *IntervalNode[V]) {
	for n != nil {
		n.update()

		balance := treeHeight(n.left) - treeHeight(n.right)
		if balance > 1 {
			if treeHeight(n.left.left) < treeHeight(n.left.right) {
				t.rotateLeft(n.left)
			}
			n = t.rotateRight(n)
		} else if balance < -1 {
			if treeHeight(n.right.right) < treeHeight(n.right.left) {
				t.rotateRight(n.right)
			}
			n = t.rotateLeft(n)
		}

		n = n.parent
	}
}

// Insert links a caller-owned node into the tree. The node's Start and Last
// must already be populated with a valid range, and the node must not
// currently be inserted in any tree.
func (t *IntervalTree[V]) Insert(n *IntervalNode[V]) {
	n.left = nil
	n.right = nil
	n.parent = nil
	n.height = 1
	n.maxLast = n.Last
	t.count++

	if t.root == nil {
		t.root = n
		return
	}

	cur := t.root
	for {
		if n.Start < cur.Start || (n.Start == cur.Start && n.Last < cur.Last) {
			if cur.left == nil {
				cur.left = n
				break
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				break
			}
			cur = cur.right
		}
	}

	n.parent = cur
	t.rebalance(cur)
}

// Remove unlinks a node that was previously inserted. The node's identity is
// preserved: other nodes are relinked around it rather than having their
// payloads shuffled, so outstanding pointers to unaffected nodes stay valid.
func (t *IntervalTree[V]) Remove(n *IntervalNode[V]) {
	var fixFrom *IntervalNode[V]

	if n.left == nil || n.right == nil {
		child := n.left
		if child == nil {
			child = n.right
		}

		t.replaceChild(n.parent, n, child)
		if child != nil {
			child.parent = n.parent
		}
		fixFrom = n.parent
	} else {
		// Replace n with its in-order successor, splicing the successor
		// structure into n's position rather than copying payloads.
		s := n.right
		for s.left != nil {
			s = s.left
		}

		if s.parent == n {
			fixFrom = s
		} else {
			fixFrom = s.parent

			s.parent.left = s.right
			if s.right != nil {
				s.right.parent = s.parent
			}

			s.right = n.right
			n.right.parent = s
		}

		s.left = n.left
		n.left.parent = s

		s.parent = n.parent
		t.replaceChild(n.parent, n, s)
	}

	n.left = nil
	n.right = nil
	n.parent = nil
	n.height = 0
	n.maxLast = 0
	t.count--

	if fixFrom != nil {
		t.rebalance(fixFrom)
	}
}

// subtreeSearch finds the leftmost node under n overlapping [start, last],
// pruning subtrees whose max-last lies entirely before the query
func subtreeSearch[V any](n *IntervalNode[V], start, last uint64) *IntervalNode[V] {
	for {
		if n.left != nil && start <= n.left.maxLast {
			n = n.left
			continue
		}

		if n.Start <= last {
			if start <= n.Last {
				return n
			}

			if n.right != nil && start <= n.right.maxLast {
				n = n.right
				continue
			}
		}

		return nil
	}
}

// FirstOverlap returns the first node whose range overlaps the inclusive
// query range [start, last], or nil when none does. Together with NextOverlap
// it enumerates all overlapping nodes in ascending range order; the order is
// stable for the duration of one traversal as long as the tree is not mutated.
func (t *IntervalTree[V]) FirstOverlap(start, last uint64) *IntervalNode[V] {
	if t.root == nil || t.root.maxLast < start {
		return nil
	}

	return subtreeSearch(t.root, start, last)
}

// NextOverlap returns the node following n in the traversal begun by
// FirstOverlap with the same query range, or nil when n was the final match
func (t *IntervalTree[V]) NextOverlap(n *IntervalNode[V], start, last uint64) *IntervalNode[V] {
	right := n.right

	for {
		if right != nil && start <= right.maxLast {
			return subtreeSearch(right, start, last)
		}

		// Climb until we arrive at a parent from its left child; that parent
		// is the in-order successor of everything visited so far.
		for {
			parent := n.parent
			if parent == nil {
				return nil
			}

			fromLeft := parent.left == n
			n = parent
			if fromLeft {
				break
			}
		}

		// Nodes are ordered by Start, so the first successor past the query
		// end terminates the traversal
		if n.Start > last {
			return nil
		}

		if start <= n.Last {
			return n
		}

		right = n.right
	}
}

// VisitAll calls visit for every node in ascending range order, stopping at
// the first error and returning it. The tree must not be mutated during the
// visit.
func (t *IntervalTree[V]) VisitAll(visit func(n *IntervalNode[V]) error) error {
	return visitSubtree(t.root, visit)
}

func visitSubtree[V any](n *IntervalNode[V], visit func(n *IntervalNode[V]) error) error {
	if n == nil {
		return nil
	}

	err := visitSubtree(n.left, visit)
	if err != nil {
		return err
	}

	err = visit(n)
	if err != nil {
		return err
	}

	return visitSubtree(n.right, visit)
}

// Clear unlinks every node, calling visit (when non-nil) for each node after
// it has been detached. Used by teardown paths that need to break back
// references on the payloads while the structure is coming apart.
func (t *IntervalTree[V]) Clear(visit func(n *IntervalNode[V])) {
	clearSubtree(t.root, visit)
	t.root = nil
	t.count = 0
}

func clearSubtree[V any](n *IntervalNode[V], visit func(n *IntervalNode[V])) {
	if n == nil {
		return
	}

	clearSubtree(n.left, visit)
	clearSubtree(n.right, visit)

	n.left = nil
	n.right = nil
	n.parent = nil
	n.height = 0
	n.maxLast = 0

	if visit != nil {
		visit(n)
	}
}

// Validate performs internal consistency checks on the tree: ordering, parent
// links, AVL balance, the max-last augmentation, and the node count. When the
// implementation is functioning correctly it cannot return an error, but it
// may assist in diagnosing issues.
func (t *IntervalTree[V]) Validate() error {
	if t.root != nil && t.root.parent != nil {
		return errors.New("root node has a parent")
	}

	count, _, err := validateSubtree(t.root)
	if err != nil {
		return err
	}

	if count != t.count {
		return errors.Newf("the listed number of nodes (%d) does not match the actual number of nodes (%d)", t.count, count)
	}

	return nil
}

func validateSubtree[V any](n *IntervalNode[V]) (int, uint64, error) {
	if n == nil {
		return 0, 0, nil
	}

	if !n.Range().Valid() {
		return 0, 0, errors.Newf("node %s has an inverted range", n.Range())
	}

	expectedMax := n.Last

	if n.left != nil {
		if n.left.parent != n {
			return 0, 0, errors.Newf("left child of node %s has a bad parent link", n.Range())
		}
		if n.left.Start > n.Start {
			return 0, 0, errors.Newf("left child of node %s is out of order", n.Range())
		}
		if n.left.maxLast > expectedMax {
			expectedMax = n.left.maxLast
		}
	}

	if n.right != nil {
		if n.right.parent != n {
			return 0, 0, errors.Newf("right child of node %s has a bad parent link", n.Range())
		}
		if n.right.Start < n.Start {
			return 0, 0, errors.Newf("right child of node %s is out of order", n.Range())
		}
		if n.right.maxLast > expectedMax {
			expectedMax = n.right.maxLast
		}
	}

	if n.maxLast != expectedMax {
		return 0, 0, errors.Newf("node %s has subtree max-last 0x%x, expected 0x%x", n.Range(), n.maxLast, expectedMax)
	}

	balance := treeHeight(n.left) - treeHeight(n.right)
	if balance < -1 || balance > 1 {
		return 0, 0, errors.Newf("node %s has balance factor %d", n.Range(), balance)
	}

	expectedHeight := treeHeight(n.left)
	if treeHeight(n.right) > expectedHeight {
		expectedHeight = treeHeight(n.right)
	}
	if n.height != expectedHeight+1 {
		return 0, 0, errors.Newf("node %s has height %d, expected %d", n.Range(), n.height, expectedHeight+1)
	}

	leftCount, _, err := validateSubtree(n.left)
	if err != nil {
		return 0, 0, err
	}

	rightCount, _, err := validateSubtree(n.right)
	if err != nil {
		return 0, 0, err
	}

	return leftCount + rightCount + 1, expectedMax, nil
}
