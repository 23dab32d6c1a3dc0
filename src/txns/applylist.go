package txns

import (
	"github.com/Blackdeer1524/walapply/src/pkg/assert"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

const slotGrowth = 16

// ApplyList buffers the items of one transaction until it commits. A slot
// with TrID == NilTxnID is free.
type ApplyList struct {
	TrID     common.TxnID
	StartLSA common.LSA
	Items    []Item
}

// ApplyLists is a reusable pool of apply lists, one per active transaction.
// Returned lists are only valid until the next GetOrCreate.
type ApplyLists struct {
	slots  []ApplyList
	active int
}

func NewApplyLists() *ApplyLists {
	m := &ApplyLists{}
	m.grow()
	return m
}

func (m *ApplyLists) grow() {
	for range slotGrowth {
		m.slots = append(m.slots, ApplyList{StartLSA: common.NilLSA})
	}
}

// Find returns the list of trid, or nil.
func (m *ApplyLists) Find(trid common.TxnID) *ApplyList {
	if trid == common.NilTxnID {
		return nil
	}
	for i := range m.slots {
		if m.slots[i].TrID == trid {
			return &m.slots[i]
		}
	}
	return nil
}

// GetOrCreate returns the list of trid, taking a free slot for it when there
// is none. lsa becomes the start LSA of a new list.
func (m *ApplyLists) GetOrCreate(trid common.TxnID, lsa common.LSA) *ApplyList {
	assert.Assert(trid != common.NilTxnID, "apply list for the nil transaction")

	free := -1
	for i := range m.slots {
		if m.slots[i].TrID == trid {
			return &m.slots[i]
		}
		if free < 0 && m.slots[i].TrID == common.NilTxnID {
			free = i
		}
	}

	if free < 0 {
		free = len(m.slots)
		m.grow()
	}

	l := &m.slots[free]
	l.TrID = trid
	l.StartLSA = lsa
	l.Items = l.Items[:0]
	m.active++
	return l
}

func (m *ApplyLists) Append(trid common.TxnID, lsa common.LSA, item Item) {
	l := m.GetOrCreate(trid, lsa)
	l.Items = append(l.Items, item)
}

// Clear drops the items of trid and frees its slot. It reports whether the
// transaction had a list.
func (m *ApplyLists) Clear(trid common.TxnID) bool {
	l := m.Find(trid)
	if l == nil {
		return false
	}

	clear(l.Items)
	l.Items = l.Items[:0]
	l.TrID = common.NilTxnID
	l.StartLSA = common.NilLSA
	m.active--
	return true
}

// MinStartLSA is the oldest start LSA of an active list, or NIL when none is
// active. A restart must scan from there to rebuild every pending list.
func (m *ApplyLists) MinStartLSA() common.LSA {
	oldest := common.NilLSA
	for i := range m.slots {
		l := &m.slots[i]
		if l.TrID == common.NilTxnID {
			continue
		}
		if oldest.IsNil() || l.StartLSA.Less(oldest) {
			oldest = l.StartLSA
		}
	}
	return oldest
}

func (m *ApplyLists) Active() int { return m.active }

func (m *ApplyLists) Cap() int { return len(m.slots) }
