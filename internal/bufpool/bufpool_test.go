package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	t.Run("SmallTier", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)

		assert.Equal(t, 100, len(buf))
		assert.Equal(t, SmallSize, cap(buf))
	})

	t.Run("MediumTier", func(t *testing.T) {
		buf := Get(10 * 1024)
		defer Put(buf)

		assert.Equal(t, 10*1024, len(buf))
		assert.Equal(t, MediumSize, cap(buf))
	})

	t.Run("LargeTier", func(t *testing.T) {
		buf := Get(100 * 1024)
		defer Put(buf)

		assert.Equal(t, 100*1024, len(buf))
		assert.Equal(t, LargeSize, cap(buf))
	})

	t.Run("OversizedBypassesPool", func(t *testing.T) {
		buf := Get(2 * LargeSize)
		defer Put(buf)

		assert.Equal(t, 2*LargeSize, len(buf))
		assert.Equal(t, len(buf), cap(buf))
	})
}

func TestPut(t *testing.T) {
	t.Run("NilIsIgnored", func(t *testing.T) {
		assert.NotPanics(t, func() { Put(nil) })
	})

	t.Run("ForeignCapacityIsDropped", func(t *testing.T) {
		assert.NotPanics(t, func() { Put(make([]byte, 17)) })
	})
}

func TestCopy(t *testing.T) {
	t.Run("OwnsItsBytes", func(t *testing.T) {
		src := []byte("payload bytes")
		buf := Copy(src)
		defer Put(buf)

		require.Equal(t, src, buf)
		src[0] = 'X'
		assert.Equal(t, byte('p'), buf[0])
	})
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				buf := Get(j % (MediumSize + 1))
				Put(buf)
			}
		}()
	}
	wg.Wait()
}
