// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memzone_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/oom-resolver/pkg/memzone"
)

func TestZonelist(t *testing.T) {
	_, err := NewZonelist()
	require.ErrorIs(t, err, ErrEmptyZonelist)

	_, err = NewZone(MaxNodeID+1, TypeNormal)
	require.ErrorIs(t, err, ErrInvalidNode)

	_, err = NewZone(0, Type(42))
	require.ErrorIs(t, err, ErrInvalidZoneType)

	zl, err := NewZonelist(
		MustNewZone(0, TypeNormal),
		MustNewZone(0, TypeDMA32),
		MustNewZone(2, TypeNormal),
	)
	require.NoError(t, err)
	require.Equal(t, NewNodeMask(0, 2), zl.Nodes())
	require.Equal(t, "zonelist{Normal@0,DMA32@0,Normal@2}", zl.String())
}

func TestTryLock(t *testing.T) {
	var (
		a = MustNewZone(0, TypeNormal)
		b = MustNewZone(1, TypeNormal)
		c = MustNewZone(2, TypeNormal)
		l = NewLocker()
	)

	t.Run("lock both", func(t *testing.T) {
		require.True(t, l.TryLock(Zonelist{a, b}))
		require.True(t, l.IsLocked(a))
		require.True(t, l.IsLocked(b))
		require.False(t, l.IsLocked(c))
	})

	t.Run("overlapping zonelists fail without side effects", func(t *testing.T) {
		require.False(t, l.TryLock(Zonelist{b, c}))
		require.False(t, l.IsLocked(c), "failed TryLock must not lock any zone")
		require.False(t, l.TryLock(Zonelist{c, a}))
		require.False(t, l.IsLocked(c))
	})

	t.Run("disjoint zonelist succeeds", func(t *testing.T) {
		require.True(t, l.TryLock(Zonelist{c}))
		l.Unlock(Zonelist{c})
	})

	t.Run("unlock clears all", func(t *testing.T) {
		l.Unlock(Zonelist{a, b})
		require.False(t, l.IsLocked(a))
		require.False(t, l.IsLocked(b))
		require.Empty(t, l.Locked(Zonelist{a, b, c}))
		require.True(t, l.TryLock(Zonelist{b, c}))
		require.Equal(t, Zonelist{b, c}, l.Locked(Zonelist{a, b, c}))
		l.Unlock(Zonelist{b, c})
	})
}

func TestTryLockConcurrentOverlap(t *testing.T) {
	var (
		zones = []*Zone{
			MustNewZone(0, TypeNormal),
			MustNewZone(1, TypeNormal),
			MustNewZone(2, TypeNormal),
		}
		lists = []Zonelist{
			{zones[0], zones[1]},
			{zones[1], zones[2]},
			{zones[2], zones[0]},
		}
		l       = NewLocker()
		mu      sync.Mutex
		holders int
		maxHeld int
		wg      sync.WaitGroup
	)

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(zl Zonelist) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				if !l.TryLock(zl) {
					continue
				}
				mu.Lock()
				holders++
				if holders > maxHeld {
					maxHeld = holders
				}
				mu.Unlock()

				mu.Lock()
				holders--
				mu.Unlock()
				l.Unlock(zl)
			}
		}(lists[i%len(lists)])
	}
	wg.Wait()

	// any two of the zonelists overlap, so at most one may be held at a time
	require.LessOrEqual(t, maxHeld, 1)
}
