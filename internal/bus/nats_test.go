package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/events"
)

type sent struct {
	subject string
	data    []byte
}

func TestPublisher_Emit(t *testing.T) {
	var out []sent
	p := newPublisher(func(subject string, data []byte) error {
		out = append(out, sent{subject, data})
		return nil
	}, "batch.events", 16, nil)

	p.Emit(events.Event{
		Type:      events.JobCompleted,
		Time:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		JobID:     "job-1",
		Processor: "resize",
		Attrs:     map[string]any{"batches": 3},
	})
	p.Close()

	require.Len(t, out, 1)
	assert.Equal(t, "batch.events.job.completed", out[0].subject)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out[0].data, &got))
	assert.Equal(t, "job.completed", got["type"])
	assert.Equal(t, "job-1", got["job_id"])
	assert.Equal(t, float64(3), got["attrs"].(map[string]any)["batches"])
}

func TestPublisher_Subject(t *testing.T) {
	assert.Equal(t, "breaker.opened", (&Publisher{}).Subject(events.BreakerOpened))
	assert.Equal(t, "x.alert", (&Publisher{prefix: "x"}).Subject(events.Alert))
}

func TestPublisher_PublishErrorIsSwallowed(t *testing.T) {
	calls := 0
	p := newPublisher(func(string, []byte) error {
		calls++
		return errors.New("nats: connection closed")
	}, "batch.events", 16, nil)

	assert.NotPanics(t, func() {
		p.Emit(events.Event{Type: events.Alert})
		p.Close()
	})
	assert.Equal(t, 1, calls)
}

func TestPublisher_SlowBrokerDropsInsteadOfBlocking(t *testing.T) {
	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	var subjects []string
	p := newPublisher(func(subject string, data []byte) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
		subjects = append(subjects, subject)
		return nil
	}, "batch.events", 1, nil)

	p.Emit(events.Event{Type: events.JobQueued})
	<-started

	// one event fits in the buffer behind the stuck publish, the rest are dropped
	done := make(chan struct{})
	go func() {
		p.Emit(events.Event{Type: events.JobStarted})
		p.Emit(events.Event{Type: events.JobCompleted})
		p.Emit(events.Event{Type: events.JobFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow broker")
	}
	assert.Equal(t, uint64(2), p.Dropped())

	close(unblock)
	p.Close()
	assert.Equal(t, []string{"batch.events.job.queued", "batch.events.job.started"}, subjects)
}

func TestPublisher_CloseIsIdempotent(t *testing.T) {
	p := newPublisher(func(string, []byte) error { return nil }, "", 4, nil)
	p.Close()
	assert.NotPanics(t, p.Close)
}
