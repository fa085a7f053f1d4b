package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUintRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(0x12)
	w.WriteUint16(0x3456)
	w.WriteUint32(0x789ABCDE)
	w.WriteUint64(0x0011223344556677)

	r := NewReader(w.Bytes())
	v8, err := r.ReadUint8()
	require.Nil(t, err)
	require.Equal(t, uint8(0x12), v8)

	v16, err := r.ReadUint16()
	require.Nil(t, err)
	require.Equal(t, uint16(0x3456), v16)

	v32, err := r.ReadUint32()
	require.Nil(t, err)
	require.Equal(t, uint32(0x789ABCDE), v32)

	v64, err := r.ReadUint64()
	require.Nil(t, err)
	require.Equal(t, uint64(0x0011223344556677), v64)

	require.True(t, r.Done())
}

func TestOpaqueRoundTrip(t *testing.T) {
	for _, lenWidth := range []int{1, 2, 3, 4} {
		w := NewWriter()
		err := w.WriteOpaque([]byte("hello world"), lenWidth)
		require.Nil(t, err)

		r := NewReader(w.Bytes())
		got, rerr := r.ReadOpaque(lenWidth)
		require.Nil(t, rerr)
		require.Equal(t, []byte("hello world"), got)
		require.True(t, r.Done())
	}
}

func TestVectorEncodesByteLengthNotCount(t *testing.T) {
	w := NewWriter()
	err := w.WriteVector(2, func(inner *Writer) {
		inner.WriteUint32(1)
		inner.WriteUint32(2)
		inner.WriteUint32(3)
	})
	require.Nil(t, err)

	r := NewReader(w.Bytes())
	vec, rerr := r.ReadVector(2)
	require.Nil(t, rerr)
	require.Equal(t, 12, vec.Remaining()) // 3 * 4 bytes, not element count 3

	var got []uint32
	for !vec.Done() {
		v, e := vec.ReadUint32()
		require.Nil(t, e)
		got = append(got, v)
	}
	require.Equal(t, []uint32{1, 2, 3}, got)
}

func TestTruncatedInput(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, err := r.ReadUint32()
	require.NotNil(t, err)
	require.Equal(t, TruncatedInput, err.Kind)
}

func TestLengthOverflowOnDeclaredLength(t *testing.T) {
	// declares a 2-byte length of 100 but supplies no payload
	r := NewReader([]byte{0x00, 0x64})
	_, err := r.ReadOpaque(2)
	require.NotNil(t, err)
	require.Equal(t, LengthOverflow, err.Kind)
}

func TestLengthOverflowOnWrite(t *testing.T) {
	w := NewWriter()
	err := w.WriteOpaque(make([]byte, 300), 1)
	require.NotNil(t, err)
	require.Equal(t, LengthOverflow, err.Kind)
}

func TestUnknownVariantHelper(t *testing.T) {
	err := UnknownVariantError(uint8(7))
	require.Equal(t, UnknownVariant, err.Kind)
}

func TestOutermostDecodeDetectsTrailingBytes(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(1)
	w.Append([]byte{0xFF}) // trailing byte a real decoder must notice

	r := NewReader(w.Bytes())
	_, err := r.ReadUint8()
	require.Nil(t, err)
	require.False(t, r.Done())
}
