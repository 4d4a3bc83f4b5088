package framesource

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTestPattern_ValidatesSize(t *testing.T) {
	for _, sz := range [][2]int{{0, 480}, {640, 0}, {-1, 1}, {MaxDimension + 1, 2}} {
		_, err := NewTestPattern(sz[0], sz[1])
		assert.Error(t, err, "size=%v", sz)
	}
}

func TestProduce_BufferSize(t *testing.T) {
	p, err := NewTestPattern(640, 480)
	require.NoError(t, err)

	buf, err := p.Produce(640, 480)
	require.NoError(t, err)
	assert.Len(t, buf, 640*480*4)
	assert.Equal(t, uint64(1), p.Frames())
}

func TestProduce_Animates(t *testing.T) {
	p, err := NewTestPattern(64, 48)
	require.NoError(t, err)

	first, err := p.Produce(64, 48)
	require.NoError(t, err)
	first = bytes.Clone(first)

	second, err := p.Produce(64, 48)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestProduce_OpaquePixels(t *testing.T) {
	p, err := NewTestPattern(16, 16)
	require.NoError(t, err)
	buf, err := p.Produce(16, 16)
	require.NoError(t, err)
	for i := 3; i < len(buf); i += 4 {
		require.Equal(t, byte(0xff), buf[i], "alpha at pixel %d", i/4)
	}
}

func TestProduce_ResizesOnDemand(t *testing.T) {
	p, err := NewTestPattern(8, 8)
	require.NoError(t, err)
	buf, err := p.Produce(4, 2)
	require.NoError(t, err)
	assert.Len(t, buf, 4*2*4)
}

func TestProduce_InvalidSizeIsUnavailable(t *testing.T) {
	p, err := NewTestPattern(8, 8)
	require.NoError(t, err)
	_, err = p.Produce(0, 8)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProduce_TinyFrames(t *testing.T) {
	p, err := NewTestPattern(1, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		buf, err := p.Produce(1, 1)
		require.NoError(t, err)
		assert.Len(t, buf, 4)
	}
}
