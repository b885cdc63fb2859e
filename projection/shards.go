package projection

import (
	"hash/maphash"
	"maps"
)

// =============================================================================
// SHARDED COPY-ON-WRITE MAP - Backing store of the immutable states
// =============================================================================

const shardCount = 64

var shardSeed = maphash.MakeSeed()

// shardMap is an immutable map split into fixed shards. A batch of writes
// clones only the shards it touches, so applying one commit copies a
// fraction of the keys instead of all of them.
type shardMap[K comparable, V any] struct {
	shards *[shardCount]map[K]V
}

func shardOf[K comparable](k K) int {
	return int(maphash.Comparable(shardSeed, k) % shardCount)
}

func (m shardMap[K, V]) get(k K) V {
	var zero V
	if m.shards == nil {
		return zero
	}
	return m.shards[shardOf(k)][k]
}

func (m shardMap[K, V]) len() int {
	if m.shards == nil {
		return 0
	}
	n := 0
	for _, s := range m.shards {
		n += len(s)
	}
	return n
}

// each calls fn for every entry in no particular order.
func (m shardMap[K, V]) each(fn func(K, V)) {
	if m.shards == nil {
		return
	}
	for _, s := range m.shards {
		for k, v := range s {
			fn(k, v)
		}
	}
}

func (m shardMap[K, V]) keys() []K {
	out := make([]K, 0, m.len())
	m.each(func(k K, _ V) { out = append(out, k) })
	return out
}

// edit starts a batch of writes on top of m. m itself is never modified.
func (m shardMap[K, V]) edit() *shardEdit[K, V] {
	e := &shardEdit[K, V]{}
	if m.shards != nil {
		e.next = *m.shards
	}
	return e
}

type shardEdit[K comparable, V any] struct {
	next  [shardCount]map[K]V
	owned [shardCount]bool
}

func (e *shardEdit[K, V]) get(k K) V {
	return e.next[shardOf(k)][k]
}

func (e *shardEdit[K, V]) set(k K, v V) {
	i := shardOf(k)
	if !e.owned[i] {
		e.next[i] = maps.Clone(e.next[i])
		if e.next[i] == nil {
			e.next[i] = make(map[K]V)
		}
		e.owned[i] = true
	}
	e.next[i][k] = v
}

func (e *shardEdit[K, V]) done() shardMap[K, V] {
	shards := e.next
	return shardMap[K, V]{shards: &shards}
}
