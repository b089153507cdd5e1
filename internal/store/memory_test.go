package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertPendingRow(t *testing.T, s *Memory, messageID string, ts int64) {
	t.Helper()
	require.NoError(t, s.InsertPending(context.Background(), PendingMessage{
		MessageID:   messageID,
		RecipientID: "WSP-R",
		SenderID:    "WSP-S",
		MsgType:     "text",
		Timestamp:   ts,
		Nonce:       "n",
		Ciphertext:  "c",
		Sig:         "s",
		CreatedAt:   time.Unix(1700000000, 0),
	}))
}

func TestListPendingTiedTimestampsPageToCompletion(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	// Arrival order deliberately disagrees with messageId order.
	insertPendingRow(t, s, "m-b", 100)
	insertPendingRow(t, s, "m-a", 100)
	insertPendingRow(t, s, "m-c", 200)

	var got []string
	var cursor *PendingCursor
	for {
		page, err := s.ListPending(ctx, "WSP-R", cursor, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			got = append(got, m.MessageID)
		}
		last := page[len(page)-1]
		cursor = &PendingCursor{Timestamp: last.Timestamp, MessageID: last.MessageID}
	}

	assert.Equal(t, []string{"m-a", "m-b", "m-c"}, got,
		"paging to completion returns every message exactly once, in (timestamp, messageId) order")
}

func TestListPendingCursorIsExclusive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	insertPendingRow(t, s, "m-a", 100)
	insertPendingRow(t, s, "m-b", 100)

	page, err := s.ListPending(ctx, "WSP-R", &PendingCursor{Timestamp: 100, MessageID: "m-a"}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m-b", page[0].MessageID)
}

func TestActiveCallBetween(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.InsertCall(ctx, Call{
		CallID: "k1", CallerID: "WSP-A", CalleeID: "WSP-B",
		State: CallInitiated, CreatedAt: now,
	}))

	c, err := s.ActiveCallBetween(ctx, "WSP-A", "WSP-B")
	require.NoError(t, err)
	assert.Equal(t, "k1", c.CallID)

	// The check is directional and pair-scoped.
	_, err = s.ActiveCallBetween(ctx, "WSP-B", "WSP-A")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ActiveCallBetween(ctx, "WSP-A", "WSP-C")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.EndCall(ctx, "k1", now.Add(time.Minute), "ended"))
	_, err = s.ActiveCallBetween(ctx, "WSP-A", "WSP-B")
	assert.ErrorIs(t, err, ErrNotFound)
}
