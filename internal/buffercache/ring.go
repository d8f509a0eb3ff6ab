package buffercache

// delayedDestructionRing keeps values alive for a fixed number of ticks
// before handing them to destroy.
type delayedDestructionRing[T any] struct {
	elements [][]T
	index    int
	destroy  func(T)
}

func newDelayedDestructionRing[T any](ticks int, destroy func(T)) *delayedDestructionRing[T] {
	return &delayedDestructionRing[T]{
		elements: make([][]T, ticks),
		destroy:  destroy,
	}
}

func (r *delayedDestructionRing[T]) Push(v T) {
	r.elements[r.index] = append(r.elements[r.index], v)
}

func (r *delayedDestructionRing[T]) Tick() {
	r.index = (r.index + 1) % len(r.elements)
	for _, v := range r.elements[r.index] {
		r.destroy(v)
	}
	r.elements[r.index] = r.elements[r.index][:0]
}

// Drain destroys everything still queued.
func (r *delayedDestructionRing[T]) Drain() {
	for i := range r.elements {
		for _, v := range r.elements[i] {
			r.destroy(v)
		}
		r.elements[i] = nil
	}
}
