package core

// A replicated text sequence. Every inserted rune carries an id of
// (agent, locally monotonic counter). An insert names the id of the unit
// immediately to its left at insertion time (zero id for the head of the
// document). Concurrent inserts after the same left origin are ordered
// by descending id so that all replicas converge. Deletes tombstone
// units in place so positions named by not-yet-delivered concurrent
// ops stay resolvable.
//
// Ops whose origin or target has not arrived yet are buffered and
// retried after each successful apply, which makes merging a set of
// deltas independent of delivery order. Replayed ops are no-ops.

const (
	opInsert = byte(1)
	opDelete = byte(2)
)

// comparable
type OpId struct {
	Agent Id
	Seq   uint64
}

func (self OpId) IsZero() bool {
	return self == OpId{}
}

// less is the tiebreak order for concurrent siblings. Total and
// identical on every replica.
func (self OpId) less(other OpId) bool {
	if self.Seq != other.Seq {
		return self.Seq < other.Seq
	}
	return self.Agent.Cmp(other.Agent) < 0
}

type textOp struct {
	kind   byte
	id     OpId
	origin OpId
	target OpId
	value  rune
}

type textItem struct {
	id      OpId
	origin  OpId
	value   rune
	deleted bool
}

// Delta is an opaque batch of ops produced by one replica's local edits.
type Delta struct {
	ops []textOp
}

func (self *Delta) Len() int {
	return len(self.ops)
}

type TextReplica struct {
	agent Id
	seq   uint64

	items   []textItem
	index   map[OpId]int
	pending []textOp
}

func NewTextReplica(agent Id) *TextReplica {
	return &TextReplica{
		agent: agent,
		index: map[OpId]int{},
	}
}

// Merge applies a delta. Safe to call with deltas in any order and with
// deltas that were already applied.
func (self *TextReplica) Merge(delta *Delta) {
	applied := false
	for _, op := range delta.ops {
		if self.applyOne(op) {
			applied = true
		}
	}
	for applied {
		applied = self.drainPending()
	}
}

func (self *TextReplica) applyOne(op textOp) bool {
	switch op.kind {
	case opInsert:
		// keep the local counter ahead of everything seen so later local
		// ops win the sibling tiebreak against ops they causally follow
		if self.seq < op.id.Seq {
			self.seq = op.id.Seq
		}
		if _, ok := self.index[op.id]; ok {
			// already integrated
			return false
		}
		originIndex := -1
		if !op.origin.IsZero() {
			i, ok := self.index[op.origin]
			if !ok {
				self.pending = append(self.pending, op)
				return false
			}
			originIndex = i
		}
		self.integrate(op, originIndex)
		return true
	case opDelete:
		i, ok := self.index[op.target]
		if !ok {
			self.pending = append(self.pending, op)
			return false
		}
		if self.items[i].deleted {
			return false
		}
		self.items[i].deleted = true
		return true
	}
	return false
}

// integrate splices an insert into document order. Siblings sharing the
// same origin sort by descending id; a skipped sibling's entire subtree
// is skipped with it because every unit in the subtree has an origin at
// or after the sibling.
func (self *TextReplica) integrate(op textOp, originIndex int) {
	position := originIndex + 1
	for position < len(self.items) {
		item := self.items[position]
		itemOriginIndex := -1
		if !item.origin.IsZero() {
			itemOriginIndex = self.index[item.origin]
		}
		if itemOriginIndex < originIndex {
			break
		}
		if itemOriginIndex == originIndex && !op.id.less(item.id) {
			break
		}
		position += 1
	}

	self.items = append(self.items, textItem{})
	copy(self.items[position+1:], self.items[position:])
	self.items[position] = textItem{
		id:     op.id,
		origin: op.origin,
		value:  op.value,
	}
	for i := position; i < len(self.items); i += 1 {
		self.index[self.items[i].id] = i
	}
}

func (self *TextReplica) drainPending() bool {
	if len(self.pending) == 0 {
		return false
	}
	held := self.pending
	self.pending = nil
	progress := false
	for _, op := range held {
		// applyOne re-buffers ops that still cannot apply
		if self.applyOne(op) {
			progress = true
		}
	}
	return progress
}

// Insert generates and locally applies ops inserting text at the given
// visible rune position, returning the delta to ship to peers.
func (self *TextReplica) Insert(position int, text string) *Delta {
	origin := self.originAt(position)
	delta := &Delta{}
	for _, r := range text {
		self.seq += 1
		op := textOp{
			kind:   opInsert,
			id:     OpId{Agent: self.agent, Seq: self.seq},
			origin: origin,
			value:  r,
		}
		self.applyOne(op)
		delta.ops = append(delta.ops, op)
		origin = op.id
	}
	return delta
}

// Delete generates and locally applies ops tombstoning count visible
// runes starting at position.
func (self *TextReplica) Delete(position int, count int) *Delta {
	delta := &Delta{}
	visible := 0
	for i := range self.items {
		if self.items[i].deleted {
			continue
		}
		if position <= visible && visible < position+count {
			op := textOp{
				kind:   opDelete,
				target: self.items[i].id,
			}
			self.items[i].deleted = true
			delta.ops = append(delta.ops, op)
		}
		visible += 1
	}
	return delta
}

// originAt returns the id of the unit visibly to the left of position,
// or the zero id for the head.
func (self *TextReplica) originAt(position int) OpId {
	if position <= 0 {
		return OpId{}
	}
	visible := 0
	for i := range self.items {
		if self.items[i].deleted {
			continue
		}
		visible += 1
		if visible == position {
			return self.items[i].id
		}
	}
	if len(self.items) == 0 {
		return OpId{}
	}
	// past the end, attach to the last unit
	for i := len(self.items) - 1; 0 <= i; i -= 1 {
		if !self.items[i].deleted {
			return self.items[i].id
		}
	}
	return OpId{}
}

// String materializes the visible document content.
func (self *TextReplica) String() string {
	runes := make([]rune, 0, len(self.items))
	for i := range self.items {
		if !self.items[i].deleted {
			runes = append(runes, self.items[i].value)
		}
	}
	return string(runes)
}

// Len is the visible rune count.
func (self *TextReplica) Len() int {
	n := 0
	for i := range self.items {
		if !self.items[i].deleted {
			n += 1
		}
	}
	return n
}

func (self *TextReplica) clone(agent Id) *TextReplica {
	out := NewTextReplica(agent)
	out.seq = self.seq
	out.items = append([]textItem{}, self.items...)
	for id, i := range self.index {
		out.index[id] = i
	}
	out.pending = append([]textOp{}, self.pending...)
	return out
}
