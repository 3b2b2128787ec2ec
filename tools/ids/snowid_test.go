package ids

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator(7)
	prev := g.Next()
	for i := 0; i < 10000; i++ {
		n := g.Next()
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestTimeOfAndLess(t *testing.T) {
	before := time.Now().Add(-time.Second)
	a := GenerateString()
	b := GenerateString()

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.True(t, TimeOf(a).After(before))
	assert.True(t, TimeOf("junk").IsZero())
}

func TestNodeIDIsEncoded(t *testing.T) {
	g := NewGenerator(513)
	n := g.Next()
	assert.Equal(t, int64(513), (n>>seqBits)&maxNode)

	bad := NewGenerator(5000)
	assert.Equal(t, int64(1), (bad.Next()>>seqBits)&maxNode)
	_, err := strconv.ParseInt(GenerateString(), 10, 64)
	assert.NoError(t, err)
}
