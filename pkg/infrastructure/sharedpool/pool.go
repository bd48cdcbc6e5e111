package sharedpool

import (
	"errors"
	"sync"
)

var ErrValueNotFound = errors.New("value not found in pool")

// WrappedValueReleaseFunc frees the underlying value once its last holder releases it.
type WrappedValueReleaseFunc func() error

type ValueFactory[K comparable, V any] func(key K) (V, WrappedValueReleaseFunc, error)

// SharedValue is a reference to a value shared by every holder of the same key.
type SharedValue[K comparable, V any] struct {
	v V

	key  K
	pool *Pool[K, V]
}

func (v *SharedValue[K, V]) Value() V {
	return v.v
}

func (v *SharedValue[K, V]) Release() error {
	return v.pool.release(v.key)
}

type entry[V any] struct {
	v       V
	count   int
	release WrappedValueReleaseFunc
}

func NewPool[K comparable, V any](factory ValueFactory[K, V]) *Pool[K, V] {
	return &Pool[K, V]{
		valueFactory: factory,
		pool:         make(map[K]*entry[V]),
	}
}

// Pool hands out one value per key and frees it when the last reference is released.
type Pool[K comparable, V any] struct {
	valueFactory ValueFactory[K, V]

	mu   sync.Mutex
	pool map[K]*entry[V]
}

func (p *Pool[K, V]) Get(key K) (*SharedValue[K, V], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pool[key]
	if ok {
		e.count++
	} else {
		v, release, err := p.valueFactory(key)
		if err != nil {
			return nil, err
		}
		e = &entry[V]{
			v:       v,
			count:   1,
			release: release,
		}
		p.pool[key] = e
	}
	return &SharedValue[K, V]{
		v:    e.v,
		key:  key,
		pool: p,
	}, nil
}

func (p *Pool[K, V]) release(key K) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pool[key]
	if !ok {
		return ErrValueNotFound
	}
	e.count--
	if e.count > 0 {
		return nil
	}
	delete(p.pool, key)
	if e.release == nil {
		return nil
	}
	return e.release()
}
