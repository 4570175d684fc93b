package encode

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n <= 96; n++ {
		data := make([]byte, n)
		rng.Read(data)
		s := Encode(data)
		got, err := Decode(s)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, data, got, "n=%d", n)
		assert.Len(t, []rune(s), EncodedLen(n), "n=%d", n)
	}
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, "", Encode(nil))
	got, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSameLengthSameEncodedLength(t *testing.T) {
	// Length-uniform padding of offers depends on the encoded length being
	// a function of the byte length alone.
	a := make([]byte, 385)
	b := make([]byte, 385)
	for i := range b {
		b[i] = 0xFF
	}
	assert.Equal(t, len([]rune(Encode(a))), len([]rune(Encode(b))))
}

func TestRejectsGarbage(t *testing.T) {
	_, err := Decode("not base2048!")
	assert.ErrorIs(t, err, ErrInvalidChar)

	// A tail character anywhere but last is malformed.
	s := Encode([]byte{1}) + Encode([]byte{2, 3, 4})
	_, err = Decode(s)
	assert.ErrorIs(t, err, ErrMisplacedTail)
}

func TestRejectsBadPadding(t *testing.T) {
	// One byte encodes to a single tail character with no padding; a tail
	// character with cleared padding bits for a shorter payload must fail.
	s := Encode([]byte{0x00, 0x00})
	runes := []rune(s)
	// Flip the final padding bit off.
	runes[len(runes)-1] ^= 1
	_, err := Decode(string(runes))
	assert.Error(t, err)
}
