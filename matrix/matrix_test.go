package matrix

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMult(t *testing.T) {
	a := &Matrix[int8]{Rows: 2, Cols: 3, Data: []int8{1, 2, 3, 4, 5, 6}}
	b := &Matrix[int8]{Rows: 3, Cols: 2, Data: []int8{7, 8, 9, 10, 11, 12}}

	got, err := Mult[int32](a, b)
	require.NoError(t, err)
	assert.Equal(t, &Matrix[int32]{Rows: 2, Cols: 2, Data: []int32{58, 64, 139, 154}}, got)

	_, err = Mult[int32](a, a)
	assert.Error(t, err)
}

func TestMultAccumulatesWithoutOverflow(t *testing.T) {
	a := New[int8](1, 4)
	b := New[int8](4, 1)
	for i := 0; i < 4; i++ {
		a.Set(0, i, -128)
		b.Set(i, 0, -128)
	}
	got, err := Mult[int32](a, b)
	require.NoError(t, err)
	assert.Equal(t, int32(4*128*128), got.At(0, 0))
}

func TestTranspose(t *testing.T) {
	m := &Matrix[int8]{Rows: 2, Cols: 3, Data: []int8{1, 2, 3, 4, 5, 6}}
	tr := m.Transpose()
	assert.Equal(t, 3, tr.Rows)
	assert.Equal(t, 2, tr.Cols)
	assert.Equal(t, []int8{1, 4, 2, 5, 3, 6}, tr.Data)
	assert.True(t, m.Equal(tr.Transpose()))
}

func TestBytesLittleEndian(t *testing.T) {
	m := &Matrix[int32]{Rows: 1, Cols: 2, Data: []int32{1, -2}}
	assert.Equal(t, []byte{1, 0, 0, 0, 0xfe, 0xff, 0xff, 0xff}, m.Bytes())
	assert.Equal(t, 8, m.RawSize())

	back, err := FromBytes[int32](1, 2, m.Bytes())
	require.NoError(t, err)
	assert.True(t, m.Equal(back))

	_, err = FromBytes[int32](1, 2, []byte{1})
	assert.Error(t, err)
}

func TestRandomInt8IsSeeded(t *testing.T) {
	a := RandomInt8(10, 10, rand.New(rand.NewPCG(7, 7)))
	b := RandomInt8(10, 10, rand.New(rand.NewPCG(7, 7)))
	assert.True(t, a.Equal(b))
	assert.Len(t, a.Data, 100)
}

func TestAtPanicsOutOfRange(t *testing.T) {
	m := New[int8](2, 2)
	assert.Panics(t, func() { m.At(2, 0) })
	assert.Panics(t, func() { m.Set(0, -1, 1) })
}
