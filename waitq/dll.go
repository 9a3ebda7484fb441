package waitq

// node is an intrusive circular doubly-linked list element, embedded in
// every Waker so it can be enqueued on a WaitQueue without a separate
// allocation. The empty-list-is-a-self-loop trick means insert/remove/
// empty-check never need a nil check for an empty list. There is no
// accompanying free-list of recycled nodes: each wait call allocates a
// fresh Waker, which is cheap enough to just let the garbage collector
// reclaim rather than pool.
type node struct {
	next, prev *node
	owner      *Waker // nil for a sentinel (head) node
}

func (n *node) reset() { n.next, n.prev = n, n }

func (n *node) empty() bool { return n.next == n }

// insertAfter inserts n immediately after p.
func (n *node) insertAfter(p *node) {
	n.next = p.next
	n.prev = p
	n.next.prev = n
	n.prev.next = n
}

// unlink removes n from whatever list it is in.
func (n *node) unlink() {
	n.next.prev = n.prev
	n.prev.next = n.next
	n.next, n.prev = nil, nil
}

// linked reports whether n is currently part of some list (as opposed to
// having been unlinked, or never inserted).
func (n *node) linked() bool { return n.next != nil }
