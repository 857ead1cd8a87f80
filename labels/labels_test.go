package labels_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/ember/labels"
)

func TestFromStringsSortsByName(t *testing.T) {
	ls := labels.FromStrings("name", "cpu", "host", "a")
	require.Len(t, ls, 2)
	assert.Equal(t, "host", ls[0].Name)
	assert.Equal(t, "name", ls[1].Name)
	assert.Equal(t, "a", ls.Get("host"))
	assert.Equal(t, "", ls.Get("missing"))
}

func TestHashIdentity(t *testing.T) {
	a := labels.FromStrings("host", "a", "name", "cpu")
	b := labels.FromMap(map[string]string{"name": "cpu", "host": "a"})
	c := labels.FromStrings("host", "b", "name", "cpu")

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.True(t, labels.Equal(a, b))
	assert.False(t, labels.Equal(a, c))
}

func TestCompare(t *testing.T) {
	a := labels.FromStrings("host", "a")
	b := labels.FromStrings("host", "b")
	ab := labels.FromStrings("host", "a", "name", "cpu")

	assert.Equal(t, 0, labels.Compare(a, a.Copy()))
	assert.Negative(t, labels.Compare(a, b))
	assert.Positive(t, labels.Compare(b, a))
	// A strict prefix sorts first.
	assert.Negative(t, labels.Compare(a, ab))
}

func TestString(t *testing.T) {
	ls := labels.FromStrings("name", "cpu", "host", "a")
	assert.Equal(t, `{host="a", name="cpu"}`, ls.String())
}
