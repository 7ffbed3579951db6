package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetManufacturesWhenEmpty(t *testing.T) {
	calls := 0
	p := New(func() *int {
		calls++
		v := 0
		return &v
	})
	p.Get()
	p.Get()
	assert.Equal(t, 2, calls)
}

func TestPutThenGetRecycles(t *testing.T) {
	p := New(func() *int { v := -1; return &v })
	v := 7
	p.Put(&v)
	assert.Equal(t, 1, p.Len())

	got := p.Get()
	assert.Same(t, &v, got)
	assert.Equal(t, 0, p.Len())
}
