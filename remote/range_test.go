package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateRange(t *testing.T) {
	testCases := []struct {
		total, startIndex, endIndex uint32
		protoStart, protoEnd        uint32
		ok                          bool
	}{
		// first page of a 100-message folder
		{100, 0, 50, 51, 100, true},
		// page overlapping the oldest messages gets clamped
		{100, 90, 150, 1, 10, true},
		{100, 99, 100, 1, 1, true},
		{100, 0, 1, 100, 100, true},
		{1, 0, 1, 1, 1, true},
		// fully out of range
		{100, 100, 150, 0, 0, false},
		{100, 150, 150, 0, 0, false},
		// empty folder and empty range
		{0, 0, 50, 0, 0, false},
		{100, 10, 10, 0, 0, false},
		{100, 20, 10, 0, 0, false},
	}
	for _, testCase := range testCases {
		protoStart, protoEnd, ok := translateRange(testCase.total, testCase.startIndex, testCase.endIndex)
		assert.Equal(t, testCase.ok, ok, "total=%d [%d,%d)", testCase.total, testCase.startIndex, testCase.endIndex)
		assert.Equal(t, testCase.protoStart, protoStart, "total=%d [%d,%d)", testCase.total, testCase.startIndex, testCase.endIndex)
		assert.Equal(t, testCase.protoEnd, protoEnd, "total=%d [%d,%d)", testCase.total, testCase.startIndex, testCase.endIndex)
	}
}

func TestCapUIDs(t *testing.T) {
	uids := []uint32{1, 2, 3, 4, 5}
	assert.Equal(t, []uint32{4, 5}, capUIDs(uids, 2))
	assert.Equal(t, uids, capUIDs(uids, 5))
	assert.Equal(t, uids, capUIDs(uids, 10))
	assert.Equal(t, uids, capUIDs(uids, 0))
	assert.Empty(t, capUIDs(nil, 2))
}
