package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtility(t *testing.T) {
	assert.Equal(t, 9, Utility(1, 10))
	assert.Equal(t, 5, Utility(5, 10))
	assert.Equal(t, 1, Utility(10, 10))
	// Ranks past the cap still contribute, floored at 1.
	assert.Equal(t, 1, Utility(15, 10))
	// A zero cap falls back to the default.
	assert.Equal(t, 8, Utility(2, 0))
	// Ranks below 1 behave like rank 1.
	assert.Equal(t, 9, Utility(0, 10))
}

func TestProposerOutranks(t *testing.T) {
	high := proposer{studentID: "STU-002", priority: 9}
	low := proposer{studentID: "STU-001", priority: 5}

	assert.True(t, high.outranks(low))
	assert.False(t, low.outranks(high))

	// Equal priority resolves by ascending student id.
	a := proposer{studentID: "STU-001", priority: 7}
	b := proposer{studentID: "STU-002", priority: 7}
	assert.True(t, a.outranks(b))
	assert.False(t, b.outranks(a))
}
