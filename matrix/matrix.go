// Package matrix holds row-major host matrices and a CPU reference multiply
// used to check device results.
package matrix

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
)

type Number interface {
	~int8 | ~uint8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Matrix is a dense row-major matrix.
type Matrix[T Number] struct {
	Rows int
	Cols int
	Data []T
}

func New[T Number](rows, cols int) *Matrix[T] {
	return &Matrix[T]{Rows: rows, Cols: cols, Data: make([]T, rows*cols)}
}

func (m *Matrix[T]) At(row, col int) T {
	m.check(row, col)
	return m.Data[row*m.Cols+col]
}

func (m *Matrix[T]) Set(row, col int, v T) {
	m.check(row, col)
	m.Data[row*m.Cols+col] = v
}

func (m *Matrix[T]) check(row, col int) {
	if row < 0 || row >= m.Rows {
		panic(fmt.Sprintf("matrix: bad row %d of %d", row, m.Rows))
	}
	if col < 0 || col >= m.Cols {
		panic(fmt.Sprintf("matrix: bad col %d of %d", col, m.Cols))
	}
}

func (m *Matrix[T]) Transpose() *Matrix[T] {
	t := New[T](m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Data[j*m.Rows+i] = m.Data[i*m.Cols+j]
		}
	}
	return t
}

func (m *Matrix[T]) Equal(other *Matrix[T]) bool {
	return m.Rows == other.Rows && m.Cols == other.Cols && slices.Equal(m.Data, other.Data)
}

// Bytes returns the little-endian encoding of the elements.
func (m *Matrix[T]) Bytes() []byte {
	b, err := binary.Append(make([]byte, 0, m.RawSize()), binary.LittleEndian, m.Data)
	if err != nil {
		// Number types always have a fixed size
		panic(err)
	}
	return b
}

// RawSize is the byte size of Bytes.
func (m *Matrix[T]) RawSize() int {
	var zero T
	return len(m.Data) * binary.Size(zero)
}

// FromBytes decodes a little-endian rows x cols matrix.
func FromBytes[T Number](rows, cols int, data []byte) (*Matrix[T], error) {
	m := New[T](rows, cols)
	if len(data) != m.RawSize() {
		return nil, fmt.Errorf("matrix: %dx%d needs %d bytes, got %d", rows, cols, m.RawSize(), len(data))
	}
	if _, err := binary.Decode(data, binary.LittleEndian, m.Data); err != nil {
		return nil, fmt.Errorf("matrix: decoding: %w", err)
	}
	return m, nil
}

// Mult computes a x b, accumulating in R.
func Mult[R, T Number](a, b *Matrix[T]) (*Matrix[R], error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matrix: cannot multiply %dx%d by %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	result := New[R](a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < b.Cols; j++ {
			var acc R
			for k := 0; k < a.Cols; k++ {
				acc += R(a.Data[i*a.Cols+k]) * R(b.Data[k*b.Cols+j])
			}
			result.Data[i*result.Cols+j] = acc
		}
	}
	return result, nil
}

// RandomInt8 fills a rows x cols matrix with uniformly distributed int8s.
func RandomInt8(rows, cols int, rng *rand.Rand) *Matrix[int8] {
	m := New[int8](rows, cols)
	for i := range m.Data {
		m.Data[i] = int8(rng.IntN(256) - 128)
	}
	return m
}
