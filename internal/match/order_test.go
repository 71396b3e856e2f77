package match

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchLocksSerializeOneMatch(t *testing.T) {
	l := newMatchLocks()

	var wg sync.WaitGroup
	inside := 0
	overlap := false
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock(7)
			inside++
			if inside != 1 {
				overlap = true
			}
			inside--
			unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Zero(t, l.size(), "idle locks are released")
}

func TestMatchLocksIndependentMatches(t *testing.T) {
	l := newMatchLocks()
	unlockA := l.lock(1)

	done := make(chan struct{})
	go func() {
		l.lock(2)()
		close(done)
	}()
	<-done

	assert.Equal(t, 1, l.size())
	unlockA()
	assert.Zero(t, l.size())
}
