package memory

// ringBuffer is an ordered list that remembers where the last search succeeded, so the next
// search starts there instead of at the front
type ringBuffer[T any] struct {
	items  []T
	cursor int
}

func (r *ringBuffer[T]) Len() int {
	return len(r.items)
}

func (r *ringBuffer[T]) Push(item T) {
	r.items = append(r.items, item)
}

// Find visits every item once, starting at the cursor and wrapping around. The first item f
// accepts becomes the new cursor position.
func (r *ringBuffer[T]) Find(f func(item T) bool) (T, bool) {
	count := len(r.items)
	for i := 0; i < count; i++ {
		index := (r.cursor + i) % count
		if f(r.items[index]) {
			r.cursor = index
			return r.items[index], true
		}
	}

	var zero T
	return zero, false
}

// SetCursorLast moves the cursor to the last item
func (r *ringBuffer[T]) SetCursorLast() {
	if len(r.items) > 0 {
		r.cursor = len(r.items) - 1
	}
}

// RemoveFunc drops every item that remove accepts. The cursor stays on the same item if that
// item survives, and otherwise moves to the item that followed it.
func (r *ringBuffer[T]) RemoveFunc(remove func(item T) bool) {
	kept := r.items[:0]
	cursor := 0
	for index, item := range r.items {
		if index == r.cursor {
			cursor = len(kept)
		}
		if remove(item) {
			continue
		}
		kept = append(kept, item)
	}

	var zero T
	for i := len(kept); i < len(r.items); i++ {
		r.items[i] = zero
	}

	r.items = kept
	if cursor >= len(kept) {
		cursor = 0
	}
	r.cursor = cursor
}

func (r *ringBuffer[T]) Each(f func(item T)) {
	for _, item := range r.items {
		f(item)
	}
}
