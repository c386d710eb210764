package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/models"
)

func TestTypeQueue_PriorityThenFIFO(t *testing.T) {
	tq := newTypeQueue()
	ids := make([]models.ULID, 6)
	for i := range ids {
		ids[i] = models.NewULID()
	}

	tq.push(entry{id: ids[0], priority: models.PriorityNormal, seq: 1})
	tq.push(entry{id: ids[1], priority: models.PriorityLow, seq: 2})
	tq.push(entry{id: ids[2], priority: models.PriorityUrgent, seq: 3})
	tq.push(entry{id: ids[3], priority: models.PriorityNormal, seq: 4})
	tq.push(entry{id: ids[4], priority: models.PriorityUrgent, seq: 5})
	tq.push(entry{id: ids[5], priority: models.PriorityHigh, seq: 6})

	var got []models.ULID
	for tq.size() > 0 {
		e, ok := tq.pop()
		require.True(t, ok)
		got = append(got, e.id)
	}
	want := []models.ULID{ids[2], ids[4], ids[5], ids[0], ids[3], ids[1]}
	assert.Equal(t, want, got)
}

func TestTypeQueue_PopBlocksUntilPush(t *testing.T) {
	tq := newTypeQueue()
	id := models.NewULID()

	popped := make(chan entry, 1)
	go func() {
		if e, ok := tq.pop(); ok {
			popped <- e
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop returned from an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	tq.push(entry{id: id, priority: models.PriorityNormal, seq: 1})
	select {
	case e := <-popped:
		assert.Equal(t, id, e.id)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestTypeQueue_DrainCloseHandsOutRemaining(t *testing.T) {
	tq := newTypeQueue()
	tq.push(entry{id: models.NewULID(), priority: models.PriorityNormal, seq: 1})
	tq.push(entry{id: models.NewULID(), priority: models.PriorityNormal, seq: 2})
	tq.close(true)

	_, ok := tq.pop()
	assert.True(t, ok)
	_, ok = tq.pop()
	assert.True(t, ok)
	_, ok = tq.pop()
	assert.False(t, ok, "drained queue reports closed once empty")
}

func TestTypeQueue_HardCloseDiscardsRemaining(t *testing.T) {
	tq := newTypeQueue()
	tq.push(entry{id: models.NewULID(), priority: models.PriorityNormal, seq: 1})
	tq.close(false)

	_, ok := tq.pop()
	assert.False(t, ok)
}

func TestTypeQueue_CloseWakesBlockedWaiters(t *testing.T) {
	tq := newTypeQueue()
	woke := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := tq.pop()
			woke <- ok
		}()
	}

	tq.close(false)
	for i := 0; i < 2; i++ {
		select {
		case ok := <-woke:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not wake on close")
		}
	}
}
