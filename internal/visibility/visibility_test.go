package visibility

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	sig := Static(State{Foreground: true, ScreenOn: true})
	assert.Equal(t, State{Foreground: true, ScreenOn: true}, sig())
}

func TestTracker(t *testing.T) {
	var zero Tracker
	assert.Equal(t, State{}, zero.Current())

	tr := NewTracker(State{Foreground: true, ScreenOn: false})
	sig := tr.Signal()
	assert.Equal(t, State{Foreground: true}, sig())

	tr.Set(State{Foreground: false, ScreenOn: true})
	assert.Equal(t, State{ScreenOn: true}, sig(), "signal reads through to the tracker")
}

func TestTracker_ConcurrentSet(t *testing.T) {
	tr := NewTracker(State{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Set(State{Foreground: i%2 == 0, ScreenOn: true})
			_ = tr.Current()
		}(i)
	}
	wg.Wait()
	assert.True(t, tr.Current().ScreenOn)
}
