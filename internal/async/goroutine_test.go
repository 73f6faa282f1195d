package async

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *panicRecorder) Error(format string, args ...any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, format)
	r.mu.Unlock()
}

func (r *panicRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestGoRecoversPanic(t *testing.T) {
	rec := &panicRecorder{}
	done := make(chan struct{})

	Go(rec, "exploder", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestGoWithNilLoggerDoesNotCrash(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGroupWaitsForAll(t *testing.T) {
	var ran atomic.Int32
	var g Group
	for i := 0; i < 5; i++ {
		g.Go(nil, "worker", func() {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		})
	}
	g.Wait()
	assert.Equal(t, int32(5), ran.Load())
}

func TestGroupSurvivesPanickingMember(t *testing.T) {
	rec := &panicRecorder{}
	var g Group
	g.Go(rec, "bad", func() { panic("boom") })
	g.Go(rec, "good", func() {})
	g.Wait()
	assert.Equal(t, 1, rec.count())
}
