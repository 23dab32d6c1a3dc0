package txns

import (
	"slices"
	"time"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

type Marker uint8

const (
	MarkerUnlockCommit Marker = iota + 1
	MarkerCommit
)

func (m Marker) String() string {
	switch m {
	case MarkerUnlockCommit:
		return "UNLOCK_COMMIT"
	case MarkerCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

type CommitEntry struct {
	TrID        common.TxnID
	Marker      Marker
	LSA         common.LSA
	CommittedAt time.Time
}

const initialQueueCap = 16

// CommitQueue orders transactions the way the primary made them visible.
// Only the head may be replayed, and only once it is a COMMIT.
type CommitQueue struct {
	buf  []CommitEntry
	head int
	n    int
}

func NewCommitQueue() *CommitQueue {
	return &CommitQueue{buf: make([]CommitEntry, initialQueueCap)}
}

func (q *CommitQueue) Len() int { return q.n }

func (q *CommitQueue) at(i int) *CommitEntry {
	return &q.buf[(q.head+i)%len(q.buf)]
}

func (q *CommitQueue) push(e CommitEntry) {
	if q.n == len(q.buf) {
		buf := make([]CommitEntry, 2*len(q.buf))
		for i := range q.n {
			buf[i] = *q.at(i)
		}
		q.buf = buf
		q.head = 0
	}
	*q.at(q.n) = e
	q.n++
}

func (q *CommitQueue) find(trid common.TxnID) *CommitEntry {
	for i := range q.n {
		if e := q.at(i); e.TrID == trid {
			return e
		}
	}
	return nil
}

// EnqueueUnlockCommit appends an UNLOCK_COMMIT entry for trid. A second
// marker for the same transaction is ignored and reported as false.
func (q *CommitQueue) EnqueueUnlockCommit(trid common.TxnID, lsa common.LSA) bool {
	if q.find(trid) != nil {
		return false
	}
	q.push(CommitEntry{TrID: trid, Marker: MarkerUnlockCommit, LSA: lsa})
	return true
}

// PromoteToCommit marks the entry of trid as committed at lsa. A commit that
// was never announced by an unlock-commit is appended as a COMMIT entry.
func (q *CommitQueue) PromoteToCommit(trid common.TxnID, lsa common.LSA, at time.Time) {
	if e := q.find(trid); e != nil {
		e.Marker = MarkerCommit
		e.LSA = lsa
		e.CommittedAt = at
		return
	}
	q.push(CommitEntry{TrID: trid, Marker: MarkerCommit, LSA: lsa, CommittedAt: at})
}

func (q *CommitQueue) Head() (CommitEntry, bool) {
	if q.n == 0 {
		return CommitEntry{}, false
	}
	return *q.at(0), true
}

func (q *CommitQueue) pop() {
	*q.at(0) = CommitEntry{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
}

// DrainReady hands committed head entries to replay, in order, until the
// head is not committed. An entry whose replay fails stays at the head. It
// returns the LSA of the last drained entry (NIL if none) and the count.
func (q *CommitQueue) DrainReady(replay func(CommitEntry) error) (common.LSA, int, error) {
	last := common.NilLSA
	drained := 0
	for q.n > 0 {
		e := *q.at(0)
		if e.Marker != MarkerCommit {
			break
		}
		if err := replay(e); err != nil {
			return last, drained, err
		}
		q.pop()
		last = e.LSA
		drained++
	}
	return last, drained, nil
}

// RemoveAll deletes every entry of trid wherever it sits, keeping the order
// of the rest.
func (q *CommitQueue) RemoveAll(trid common.TxnID) int {
	kept := 0
	for i := range q.n {
		e := *q.at(i)
		if e.TrID == trid {
			continue
		}
		*q.at(kept) = e
		kept++
	}
	removed := q.n - kept
	for i := kept; i < q.n; i++ {
		*q.at(i) = CommitEntry{}
	}
	q.n = kept
	return removed
}

// MinLSA is the smallest marker LSA in the queue, or NIL when it is empty.
func (q *CommitQueue) MinLSA() common.LSA {
	oldest := common.NilLSA
	for i := range q.n {
		if e := q.at(i); oldest.IsNil() || e.LSA.Less(oldest) {
			oldest = e.LSA
		}
	}
	return oldest
}

// Committed lists the COMMIT LSAs of entries that wait behind an uncommitted
// head, in ascending order. It is nil when there are none.
func (q *CommitQueue) Committed() []common.LSA {
	var out []common.LSA
	for i := range q.n {
		if e := q.at(i); e.Marker == MarkerCommit {
			out = append(out, e.LSA)
		}
	}
	slices.SortFunc(out, common.LSA.Compare)
	return out
}
