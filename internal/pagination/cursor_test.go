package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// summary mirrors the shape of an account listing row.
type summary struct {
	address   string
	createdAt time.Time
}

func summaries(start time.Time, addrs ...string) []summary {
	out := make([]summary, len(addrs))
	for i, a := range addrs {
		out[i] = summary{address: a, createdAt: start.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func summaryKey(s summary) (time.Time, string) {
	return s.createdAt, s.address
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	addr := "4Yx7sJkQ9pVtBweH3mA2DzUK6fNc"

	encoded := Encode(ts, addr)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, addr, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestDecode_MalformedPayload(t *testing.T) {
	// Valid base64, but no | separator inside.
	_, err := Decode("bm9waXBl")
	assert.Error(t, err)
}

func TestComputePage_NoMore(t *testing.T) {
	rows := summaries(time.Now(), "addr-a", "addr-b", "addr-c")
	page, cursor, hasMore := ComputePage(rows, 5, summaryKey)
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := summaries(start, "addr-a", "addr-b", "addr-c", "addr-d")
	page, cursor, hasMore := ComputePage(rows, 3, summaryKey)
	assert.Len(t, page, 3)
	assert.NotEmpty(t, cursor)
	assert.True(t, hasMore)

	// The cursor points at the last row of the trimmed page.
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "addr-c", c.ID)
	assert.Equal(t, start.Add(2*time.Second), c.CreatedAt)
}

func TestComputePage_ExactLimit(t *testing.T) {
	rows := summaries(time.Now(), "addr-a", "addr-b", "addr-c")
	page, cursor, hasMore := ComputePage(rows, 3, summaryKey)
	assert.Len(t, page, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
