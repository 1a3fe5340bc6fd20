package family

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIgnoresOrder(t *testing.T) {
	a := File{Name: "A.ttf", Data: []byte("glyphs-a")}
	b := File{Name: "B.ttf", Data: []byte("glyphs-b")}

	assert.Equal(t, Compute([]File{a, b}), Compute([]File{b, a}))
}

func TestComputeDetectsChanges(t *testing.T) {
	base := Compute([]File{{Name: "f1.txt", Data: []byte("x")}})

	assert.NotEqual(t, base, Compute([]File{{Name: "f1.txt", Data: []byte("y")}}), "content edit")
	assert.NotEqual(t, base, Compute([]File{{Name: "f2.txt", Data: []byte("x")}}), "rename")
	assert.NotEqual(t, base, Compute([]File{{Name: "f1.txt", Data: []byte("x")}, {Name: "f2.txt"}}), "added file")
	assert.False(t, Compute(nil).IsZero(), "empty family still has a fingerprint")
}

func TestFingerprintTextRoundTrip(t *testing.T) {
	fp := Compute([]File{{Name: "OFL.txt", Data: []byte("license")}})
	text, err := fp.MarshalText()
	require.NoError(t, err)
	require.Len(t, text, 64)

	var parsed Fingerprint
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, fp, parsed)

	var zero Fingerprint
	require.NoError(t, zero.UnmarshalText(nil))
	assert.True(t, zero.IsZero())
	assert.Equal(t, "none", zero.String())

	_, err = ParseFingerprint("abcd")
	assert.Error(t, err)
}

func TestSortedDoesNotMutate(t *testing.T) {
	files := []File{{Name: "b"}, {Name: "a"}}
	sorted := Sorted(files)
	assert.Equal(t, "a", sorted[0].Name)
	assert.Equal(t, "b", files[0].Name)
}
