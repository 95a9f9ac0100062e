package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
)

func newQueues(t *testing.T, capacity int) map[string]Queue[int] {
	t.Helper()

	spsc, err := NewOneToOne[int](capacity)
	require.NoError(t, err)
	mpsc, err := NewManyToOne[int](capacity)
	require.NoError(t, err)

	return map[string]Queue[int]{
		"OneToOne":  spsc,
		"ManyToOne": mpsc,
	}
}

func TestQueue_InitialState(t *testing.T) {
	for name, q := range newQueues(t, 5) {
		t.Run(name, func(t *testing.T) {
			if q.Size() != 0 {
				t.Errorf("Expected initial size 0, got %d", q.Size())
			}
			if q.Capacity() != 8 {
				t.Errorf("Expected capacity rounded to 8, got %d", q.Capacity())
			}
			if !q.IsEmpty() {
				t.Error("Expected queue to be empty initially")
			}
			_, ok := q.Poll()
			assert.False(t, ok)
		})
	}
}

func TestQueue_FIFOAndFull(t *testing.T) {
	for name, q := range newQueues(t, 4) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 4; i++ {
				require.True(t, q.Offer(i), "offer %d", i)
			}
			assert.False(t, q.Offer(99), "offer into a full queue must be refused")
			assert.Equal(t, int64(1), q.Stats().Rejects())
			assert.Equal(t, 4, q.Size())

			for i := 0; i < 4; i++ {
				v, ok := q.Poll()
				require.True(t, ok)
				assert.Equal(t, i, v)
			}
			assert.True(t, q.IsEmpty())

			// Space is reusable after wrap.
			for i := 10; i < 14; i++ {
				require.True(t, q.Offer(i))
			}
			var got []int
			n := q.Drain(func(v int) { got = append(got, v) }, 3)
			assert.Equal(t, 3, n)
			assert.Equal(t, []int{10, 11, 12}, got)
			assert.Equal(t, 1, q.Size())
		})
	}
}

func TestInvalidCapacity(t *testing.T) {
	_, err := NewOneToOne[int](0)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))

	_, err = NewManyToOne[int](-1)
	require.Error(t, err)
}

func TestOneToOne_ConcurrentProducerConsumer(t *testing.T) {
	q, err := NewOneToOne[int](64)
	require.NoError(t, err)

	const total = 100000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if q.Offer(i) {
				i++
			}
		}
	}()

	expected := 0
	for expected < total {
		if v, ok := q.Poll(); ok {
			if v != expected {
				t.Fatalf("out of order: expected %d, got %d", expected, v)
			}
			expected++
		}
	}
	wg.Wait()

	assert.Equal(t, int64(total), q.Stats().Offers())
	assert.Equal(t, int64(total), q.Stats().Polls())
}

func TestManyToOne_ConcurrentProducers(t *testing.T) {
	q, err := NewManyToOne[int](128)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 10000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				if q.Offer(base*perProducer + i) {
					i++
				}
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	lastPerProducer := make([]int, producers)
	for i := range lastPerProducer {
		lastPerProducer[i] = -1
	}
	for len(seen) < producers*perProducer {
		v, ok := q.Poll()
		if !ok {
			continue
		}
		if seen[v] {
			t.Fatalf("duplicate value %d", v)
		}
		seen[v] = true

		producer, seq := v/perProducer, v%perProducer
		if seq <= lastPerProducer[producer] {
			t.Fatalf("producer %d order violated: %d after %d", producer, seq, lastPerProducer[producer])
		}
		lastPerProducer[producer] = seq
	}
	wg.Wait()
	assert.True(t, q.IsEmpty())
}

func TestQueue_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	q, err := NewOneToOne[string](2, WithMetrics[string](registry, "receiver_to_conductor"))
	require.NoError(t, err)

	oq := q.(*oneToOne[string])
	require.NotNil(t, oq.metrics)

	q.Offer("a")
	q.Offer("b")
	q.Offer("c")
	q.Poll()

	assert.Equal(t, float64(2), testutil.ToFloat64(oq.metrics.offers))
	assert.Equal(t, float64(1), testutil.ToFloat64(oq.metrics.rejects))
	assert.Equal(t, float64(1), testutil.ToFloat64(oq.metrics.polls))

	_, err = NewOneToOne[string](2, WithMetrics[string](registry, "receiver_to_conductor"))
	assert.Error(t, err, "duplicate registration must fail")
}

func TestStatistics_Summary(t *testing.T) {
	s := NewStatistics()
	s.Offer()
	s.Offer()
	s.Offer()
	s.Poll()
	s.Reject()

	summary := s.Summary()
	assert.Equal(t, int64(3), summary.Offers)
	assert.Equal(t, int64(1), summary.Polls)
	assert.Equal(t, int64(2), summary.Backlog)
	assert.InDelta(t, 0.25, summary.RejectRate, 0.0001)
}
