package region

// bitmap is a growable set of page indexes.
type bitmap struct {
	words []uint64
	n     int
}

func newBitmap(n int) *bitmap {
	return &bitmap{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitmap) get(i int) bool {
	if b == nil || i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *bitmap) set(i int) {
	b.words[i/64] |= 1 << (uint(i) % 64)
}

func (b *bitmap) clear(i int) {
	b.words[i/64] &^= 1 << (uint(i) % 64)
}

func (b *bitmap) setAll() {
	for i := 0; i < b.n; i++ {
		b.set(i)
	}
}

func (b *bitmap) clone() *bitmap {
	if b == nil {
		return nil
	}
	return &bitmap{words: append([]uint64(nil), b.words...), n: b.n}
}

func (b *bitmap) count() int {
	if b == nil {
		return 0
	}
	c := 0
	for i := 0; i < b.n; i++ {
		if b.get(i) {
			c++
		}
	}
	return c
}

// growBack appends k absent pages.
func (b *bitmap) growBack(k int) {
	b.n += k
	for len(b.words) < (b.n+63)/64 {
		b.words = append(b.words, 0)
	}
}

// growFront prepends k absent pages, shifting existing bits up.
func (b *bitmap) growFront(k int) {
	nb := newBitmap(b.n + k)
	for i := 0; i < b.n; i++ {
		if b.get(i) {
			nb.set(i + k)
		}
	}
	*b = *nb
}
