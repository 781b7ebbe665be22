package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, 5, Pagination{PageSize: 5}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
}

func TestPage(t *testing.T) {
	items := []int{5, 4, 3}
	extract := func(v int) string { return strconv.Itoa(v) }

	kept, info, err := Page(items, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, kept)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "4", cursor.ID)

	kept, info, err = Page(items, 3, extract)
	require.NoError(t, err)
	assert.Len(t, kept, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
	_, err = DecodeCursor("e30") // {}
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}
