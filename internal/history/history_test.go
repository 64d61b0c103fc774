package history_test

import (
	"sync"
	"testing"

	"github.com/SpatiumPortae/roomshare/internal/history"
	"github.com/stretchr/testify/assert"
)

func TestHistory(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		h := history.New[int](0, nil)
		defer h.Close()
		h.Prepend(1)
		h.Prepend(2)
		h.Prepend(3)
		assert.Equal(t, []int{3, 2, 1}, h.Snapshot())
	})
	t.Run("capacity evicts oldest", func(t *testing.T) {
		var evicted []int
		h := history.New(2, func(v int) { evicted = append(evicted, v) })
		h.Prepend(1)
		h.Prepend(2)
		h.Prepend(3)
		assert.Equal(t, []int{3, 2}, h.Snapshot())
		assert.Equal(t, []int{1}, evicted)

		h.Close()
		assert.ElementsMatch(t, []int{1, 2, 3}, evicted)
	})
	t.Run("prepend after close evicts", func(t *testing.T) {
		var evicted []int
		h := history.New(0, func(v int) { evicted = append(evicted, v) })
		h.Close()
		h.Close()
		h.Prepend(7)
		assert.Equal(t, []int{7}, evicted)
		assert.Nil(t, h.Snapshot())
		assert.Equal(t, 0, h.Len())
	})
	t.Run("concurrent prepends", func(t *testing.T) {
		h := history.New[int](0, nil)
		defer h.Close()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h.Prepend(i)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 50, h.Len())
	})
}
