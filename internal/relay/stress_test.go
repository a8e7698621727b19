package relay_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-voice-room/internal/relay"
	"github.com/koopa0/system-design/14-voice-room/internal/room"
)

// TestStress_ConcurrentRooms 多個房間同時加入、協商、傳音訊、斷線
func TestStress_ConcurrentRooms(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const (
		numRooms       = 50
		membersPerRoom = 8
		chunksPerConn  = 20
	)

	r, reg, ft := newTestRouter()

	codes := make([]string, numRooms)
	for i := range numRooms {
		codes[i] = createRoom(t, r, ft, fmt.Sprintf("owner-%d", i), "owner")
	}

	var wg sync.WaitGroup
	for i, code := range codes {
		for j := range membersPerRoom {
			wg.Add(1)
			go func(code, connID string) {
				defer wg.Done()
				_ = r.JoinRoom(connID, 0, relay.JoinRoomRequest{Room: code, Name: connID})
				for range chunksPerConn {
					r.HandleBinary(connID, []byte("pcm"))
				}
				r.Disconnect(connID)
			}(code, fmt.Sprintf("member-%d-%d", i, j))
		}
	}
	wg.Wait()

	// 只剩房主
	stats := reg.Stats()
	assert.Equal(t, numRooms, stats.Rooms)
	assert.Equal(t, numRooms, stats.Members)

	for i, code := range codes {
		names, ok := reg.MembersOf(code)
		require.True(t, ok)
		assert.Equal(t, []string{"owner"}, names)
		r.Disconnect(fmt.Sprintf("owner-%d", i))
	}
	assert.Equal(t, room.Stats{}, reg.Stats())
}
