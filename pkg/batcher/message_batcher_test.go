package batcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAddMessage_FlushesAtMaxSize(t *testing.T) {
	b := NewMessageBatcher(zap.NewNop(), "database_activity_batch", 2, time.Hour, 65536)
	out := b.Start()

	b.AddMessage(map[string]int{"n": 1})
	b.AddMessage(map[string]int{"n": 2})

	select {
	case data := <-out:
		var msg BatchedMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "database_activity_batch", msg.Type)
		require.Equal(t, 2, msg.Count)
	case <-time.After(time.Second):
		t.Fatal("expected a flushed batch")
	}
}

func TestAddMessage_FlushesOnTimeout(t *testing.T) {
	b := NewMessageBatcher(zap.NewNop(), "database_activity_batch", 100, 20*time.Millisecond, 65536)
	out := b.Start()

	b.AddMessage(map[string]int{"n": 1})

	select {
	case data := <-out:
		var msg BatchedMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, 1, msg.Count)
	case <-time.After(time.Second):
		t.Fatal("expected a timeout-triggered flush")
	}
}

func TestAddMessage_SplitsOversizedBatch(t *testing.T) {
	b := NewMessageBatcher(zap.NewNop(), "database_activity_batch", 4, time.Hour, 40)
	out := b.Start()

	for i := 0; i < 4; i++ {
		b.AddMessage(map[string]string{"padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"})
	}

	var total int
	timeout := time.After(time.Second)
	for total < 4 {
		select {
		case data := <-out:
			var msg BatchedMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			total += msg.Count
		case <-timeout:
			t.Fatalf("only received %d of 4 messages before timeout", total)
		}
	}
}

func TestClose_FlushesPending(t *testing.T) {
	b := NewMessageBatcher(zap.NewNop(), "database_activity_batch", 100, time.Hour, 65536)
	out := b.Start()

	b.AddMessage(map[string]int{"n": 1})
	b.Close()

	data, ok := <-out
	require.True(t, ok)
	var msg BatchedMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, 1, msg.Count)

	_, ok = <-out
	require.False(t, ok, "channel should be closed after Close")
}
