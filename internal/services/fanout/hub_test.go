package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casarerpa/orchestrator/internal/logging"
)

func TestHub_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	h := NewHub(TopicJobs, logging.NewSilentLogger())
	go h.Run()
	defer h.Stop()

	done := make(chan struct{})
	go func() {
		h.Publish(map[string]string{"type": "job_submitted"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestHub_PublishDropsWhenBroadcastChannelFull(t *testing.T) {
	h := NewHub(TopicJobs, logging.NewSilentLogger())
	// Don't start Run(): the broadcast channel fills and further publishes
	// must be dropped rather than block the caller.
	for i := 0; i < 300; i++ {
		h.Publish(map[string]int{"n": i})
	}
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_SubscriberCountStartsAtZero(t *testing.T) {
	h := NewHub(TopicRobots, logging.NewSilentLogger())
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_StopIsIdempotent(t *testing.T) {
	h := NewHub(TopicActivity, logging.NewSilentLogger())
	go h.Run()
	h.Stop()
	h.Stop() // must not panic on double-close
}

func TestFanout_ProvidesOneHubPerTopic(t *testing.T) {
	f := New(logging.NewSilentLogger())
	defer f.Stop()

	assert.NotNil(t, f.Jobs())
	assert.NotNil(t, f.Robots())
	assert.NotNil(t, f.Queue())
	assert.NotNil(t, f.Activity())
	assert.NotSame(t, f.Jobs(), f.Robots())
}
