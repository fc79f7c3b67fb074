package queueservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/arbiterhq/arbiter/internal/operation"
)

func evalOp(id int64, codename string) operation.Operation {
	return operation.Operation{
		Kind:             operation.KindEvaluateSubmission,
		ObjectID:         id,
		DatasetID:        10,
		TestcaseCodename: codename,
	}
}

func TestPriorityQueue_PopOrder(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Now()

	q.Push(operation.Scheduled{Op: evalOp(1, "001"), Priority: operation.PrioritySweep, Timestamp: base})
	q.Push(operation.Scheduled{Op: evalOp(2, "001"), Priority: operation.PriorityUserTest, Timestamp: base.Add(time.Hour)})
	q.Push(operation.Scheduled{Op: evalOp(3, "001"), Priority: operation.PrioritySubmission, Timestamp: base.Add(time.Second)})
	q.Push(operation.Scheduled{Op: evalOp(4, "001"), Priority: operation.PrioritySubmission, Timestamp: base})

	var ids []int64
	for {
		sched, ok := q.Pop()
		if !ok {
			break
		}
		ids = append(ids, sched.Op.ObjectID)
	}
	// Urgent band first, then older timestamp within a band.
	require.Equal(t, []int64{2, 4, 3, 1}, ids)
}

func TestPriorityQueue_DuplicatePushIsNoOp(t *testing.T) {
	q := NewPriorityQueue()
	sched := operation.Scheduled{Op: evalOp(1, "001"), Priority: operation.PrioritySubmission, Timestamp: time.Now()}

	require.True(t, q.Push(sched))
	require.False(t, q.Push(sched))
	require.Equal(t, 1, q.Len())
}

func TestPriorityQueue_Remove(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		q.Push(operation.Scheduled{Op: evalOp(i, "001"), Priority: operation.PrioritySubmission, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	sched, ok := q.Remove(evalOp(3, "001"))
	require.True(t, ok)
	require.EqualValues(t, 3, sched.Op.ObjectID)
	require.False(t, q.Contains(evalOp(3, "001")))
	require.Equal(t, 4, q.Len())

	_, ok = q.Remove(evalOp(3, "001"))
	require.False(t, ok)

	var ids []int64
	for {
		s, popped := q.Pop()
		if !popped {
			break
		}
		ids = append(ids, s.Op.ObjectID)
	}
	require.Equal(t, []int64{1, 2, 4, 5}, ids)
}

func TestPriorityQueue_PopEmpty(t *testing.T) {
	q := NewPriorityQueue()
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestPriorityQueue_Entries(t *testing.T) {
	q := NewPriorityQueue()
	base := time.Now()
	q.Push(operation.Scheduled{Op: evalOp(1, "001"), Priority: operation.PrioritySubmission, Timestamp: base})
	q.Push(operation.Scheduled{Op: evalOp(2, "001"), Priority: operation.PriorityUserTest, Timestamp: base})

	entries := q.Entries()
	require.Len(t, entries, 2)
	// Snapshot does not drain the queue.
	require.Equal(t, 2, q.Len())
}

// TestPriorityQueue_PopMatchesSortOrder is a property-based test using rapid:
// however operations are pushed and removed, popping drains the queue in
// exactly (priority, timestamp) order.
func TestPriorityQueue_PopMatchesSortOrder(t *testing.T) {
	priorities := []operation.Priority{
		operation.PriorityUserTest,
		operation.PrioritySubmission,
		operation.PriorityInvalidated,
		operation.PrioritySweep,
	}
	rapid.Check(t, func(r *rapid.T) {
		q := NewPriorityQueue()
		base := time.Unix(1700000000, 0)

		n := rapid.IntRange(0, 40).Draw(r, "n")
		var want []operation.Scheduled
		for i := range n {
			sched := operation.Scheduled{
				Op:        evalOp(int64(i+1), "001"),
				Priority:  rapid.SampledFrom(priorities).Draw(r, "priority"),
				Timestamp: base.Add(time.Duration(rapid.IntRange(0, 1000).Draw(r, "offset")) * time.Millisecond),
			}
			require.True(r, q.Push(sched))
			want = append(want, sched)
		}

		removals := rapid.IntRange(0, n).Draw(r, "removals")
		for range removals {
			i := rapid.IntRange(0, len(want)-1).Draw(r, "victim")
			_, ok := q.Remove(want[i].Op)
			require.True(r, ok)
			want = append(want[:i], want[i+1:]...)
			if len(want) == 0 {
				break
			}
		}

		var got []operation.Scheduled
		for {
			sched, ok := q.Pop()
			if !ok {
				break
			}
			got = append(got, sched)
		}
		require.Len(r, got, len(want))
		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1], got[i]
			less := operation.Before(cur.Priority, cur.Timestamp, prev.Priority, prev.Timestamp)
			require.False(r, less, "pop order violated at %d", i)
		}
		require.ElementsMatch(r, want, got)
	})
}
