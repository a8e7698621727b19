package room_test

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-voice-room/internal/logger"
	"github.com/koopa0/system-design/14-voice-room/internal/room"
	apperrors "github.com/koopa0/system-design/14-voice-room/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(opts ...room.Option) *room.Registry {
	return room.NewRegistry(logger.Discard(), opts...)
}

// TestGenerateCode 測試房間碼格式
func TestGenerateCode(t *testing.T) {
	for i := 0; i < 500; i++ {
		code := room.GenerateCode()
		require.Len(t, code, 9)
		assert.Equal(t, byte('-'), code[3])
		assert.Equal(t, byte('-'), code[6])
		assert.True(t, room.ValidCode(code), "invalid code %q", code)
	}
}

func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"abc-de-f9", true},
		{"ABC-de-f9", false},
		{"abcde-f9", false},
		{"abc_de-f9", false},
		{"abc-de-f9x", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, room.ValidCode(tt.code))
		})
	}
}

// TestRegistry_CreateRoom 測試創建房間
func TestRegistry_CreateRoom(t *testing.T) {
	tests := []struct {
		name      string
		display   string
		wantNames []string
	}{
		{name: "named creator", display: "alice", wantNames: []string{"alice"}},
		{name: "default creator name", display: "", wantNames: []string{room.DefaultCreatorName}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			code := reg.CreateRoom("conn-a", tt.display)

			assert.True(t, room.ValidCode(code))
			names, ok := reg.MembersOf(code)
			require.True(t, ok)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, []string{code}, reg.RoomsOf("conn-a"))
		})
	}
}

// TestRegistry_CreateRoomRegeneratesOnCollision 測試房間碼碰撞時重新生成
func TestRegistry_CreateRoomRegeneratesOnCollision(t *testing.T) {
	codes := []string{"aaa-aa-aa", "aaa-aa-aa", "aaa-aa-aa", "bbb-bb-bb"}
	next := 0
	reg := newRegistry(room.WithCodeGenerator(func() string {
		c := codes[next]
		next++
		return c
	}))

	first := reg.CreateRoom("conn-a", "alice")
	second := reg.CreateRoom("conn-b", "bob")

	assert.Equal(t, "aaa-aa-aa", first)
	assert.Equal(t, "bbb-bb-bb", second)
	assert.Equal(t, 4, next)
}

// TestRegistry_CodeReusedAfterDelete 房間刪除後房間碼可再次使用
func TestRegistry_CodeReusedAfterDelete(t *testing.T) {
	reg := newRegistry(room.WithCodeGenerator(func() string { return "aaa-aa-aa" }))

	code := reg.CreateRoom("conn-a", "alice")
	reg.Leave("conn-a")
	require.False(t, reg.Exists(code))

	again := reg.CreateRoom("conn-b", "bob")
	assert.Equal(t, code, again)
}

// TestRegistry_JoinRoom 測試加入房間
func TestRegistry_JoinRoom(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(reg *room.Registry) string
		joinCode func(code string) string
		connID   string
		display  string
		wantErr  error
		validate func(t *testing.T, reg *room.Registry, code string)
	}{
		{
			name: "join existing room",
			setup: func(reg *room.Registry) string {
				return reg.CreateRoom("conn-a", "alice")
			},
			connID:  "conn-b",
			display: "bob",
			validate: func(t *testing.T, reg *room.Registry, code string) {
				names, _ := reg.MembersOf(code)
				assert.Equal(t, []string{"alice", "bob"}, names)
			},
		},
		{
			name: "default guest name",
			setup: func(reg *room.Registry) string {
				return reg.CreateRoom("conn-a", "alice")
			},
			connID: "conn-b",
			validate: func(t *testing.T, reg *room.Registry, code string) {
				names, _ := reg.MembersOf(code)
				assert.Equal(t, []string{"alice", room.DefaultGuestName}, names)
			},
		},
		{
			name: "rejoin overwrites name in place",
			setup: func(reg *room.Registry) string {
				code := reg.CreateRoom("conn-a", "alice")
				require.NoError(t, reg.JoinRoom(code, "conn-b", "bob"))
				require.NoError(t, reg.JoinRoom(code, "conn-c", "carol"))
				return code
			},
			connID:  "conn-b",
			display: "robert",
			validate: func(t *testing.T, reg *room.Registry, code string) {
				names, _ := reg.MembersOf(code)
				assert.Equal(t, []string{"alice", "robert", "carol"}, names)
			},
		},
		{
			name: "code is normalized",
			setup: func(reg *room.Registry) string {
				return reg.CreateRoom("conn-a", "alice")
			},
			joinCode: func(code string) string { return "  " + strings.ToUpper(code) + " " },
			connID:   "conn-b",
			display:  "bob",
			validate: func(t *testing.T, reg *room.Registry, code string) {
				assert.Equal(t, []string{code}, reg.RoomsOf("conn-b"))
			},
		},
		{
			name: "unknown room",
			setup: func(reg *room.Registry) string {
				return "zzz-zz-zz"
			},
			connID:  "conn-b",
			display: "bob",
			wantErr: apperrors.ErrRoomNotFound,
			validate: func(t *testing.T, reg *room.Registry, code string) {
				assert.False(t, reg.Exists(code))
				assert.Empty(t, reg.RoomsOf("conn-b"))
				assert.Equal(t, 0, reg.Stats().Rooms)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry()
			code := tt.setup(reg)

			joinCode := code
			if tt.joinCode != nil {
				joinCode = tt.joinCode(code)
			}

			err := reg.JoinRoom(joinCode, tt.connID, tt.display)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, stderrors.Is(err, tt.wantErr))
				assert.Equal(t, "Room not found", apperrors.Message(err))
			} else {
				require.NoError(t, err)
			}
			tt.validate(t, reg, code)
		})
	}
}

// TestRegistry_Leave 測試斷線清理
func TestRegistry_Leave(t *testing.T) {
	t.Run("remaining members keep the room", func(t *testing.T) {
		reg := newRegistry()
		code := reg.CreateRoom("conn-a", "alice")
		require.NoError(t, reg.JoinRoom(code, "conn-b", "bob"))

		deps := reg.Leave("conn-b")
		require.Len(t, deps, 1)
		assert.Equal(t, code, deps[0].Code)
		assert.False(t, deps[0].Deleted)
		assert.Equal(t, []string{"alice"}, deps[0].Names())

		names, ok := reg.MembersOf(code)
		require.True(t, ok)
		assert.Equal(t, []string{"alice"}, names)
	})

	t.Run("last member deletes the room", func(t *testing.T) {
		reg := newRegistry()
		code := reg.CreateRoom("conn-a", "alice")

		deps := reg.Leave("conn-a")
		require.Len(t, deps, 1)
		assert.True(t, deps[0].Deleted)
		assert.Empty(t, deps[0].Members)

		_, ok := reg.MembersOf(code)
		assert.False(t, ok)
		assert.ErrorIs(t, reg.JoinRoom(code, "conn-b", "bob"), apperrors.ErrRoomNotFound)
	})

	t.Run("leaves every room", func(t *testing.T) {
		reg := newRegistry()
		first := reg.CreateRoom("conn-a", "alice")
		second := reg.CreateRoom("conn-b", "bob")
		require.NoError(t, reg.JoinRoom(second, "conn-a", "alice"))

		deps := reg.Leave("conn-a")
		require.Len(t, deps, 2)
		assert.False(t, reg.Exists(first))
		assert.True(t, reg.Exists(second))
		assert.Empty(t, reg.RoomsOf("conn-a"))
	})

	t.Run("idempotent", func(t *testing.T) {
		reg := newRegistry()
		reg.CreateRoom("conn-a", "alice")

		assert.Len(t, reg.Leave("conn-a"), 1)
		assert.Empty(t, reg.Leave("conn-a"))
		assert.Empty(t, reg.Leave("never-seen"))
	})
}

// TestRegistry_LeaveRoom 測試離開單一房間
func TestRegistry_LeaveRoom(t *testing.T) {
	reg := newRegistry()
	first := reg.CreateRoom("conn-a", "alice")
	second := reg.CreateRoom("conn-b", "bob")
	require.NoError(t, reg.JoinRoom(second, "conn-a", "alice"))

	dep, err := reg.LeaveRoom(second, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, dep.Names())
	assert.Equal(t, []string{first}, reg.RoomsOf("conn-a"))

	_, err = reg.LeaveRoom(second, "conn-a")
	assert.ErrorIs(t, err, apperrors.ErrNotMember)
	assert.NotErrorIs(t, err, apperrors.ErrRoomNotFound)

	_, err = reg.LeaveRoom("zzz-zz-zz", "conn-a")
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrNotMember)
}

// TestRegistry_Peers 測試音訊路由推導
func TestRegistry_Info(t *testing.T) {
	reg := newRegistry()

	before := time.Now()
	code := reg.CreateRoom("conn-a", "alice")
	after := time.Now()
	require.NoError(t, reg.JoinRoom(code, "conn-b", "bob"))

	info, ok := reg.Info(strings.ToUpper(code))
	require.True(t, ok)
	assert.Equal(t, code, info.Code)
	assert.Equal(t, []string{"alice", "bob"}, info.Names)
	assert.False(t, info.CreatedAt.Before(before))
	assert.False(t, info.CreatedAt.After(after))

	// 加入不改變建立時間
	require.NoError(t, reg.JoinRoom(code, "conn-c", "carol"))
	again, ok := reg.Info(code)
	require.True(t, ok)
	assert.Equal(t, info.CreatedAt, again.CreatedAt)

	reg.Leave("conn-a")
	reg.Leave("conn-b")
	reg.Leave("conn-c")
	_, ok = reg.Info(code)
	assert.False(t, ok)
}

func TestRegistry_Peers(t *testing.T) {
	reg := newRegistry()
	first := reg.CreateRoom("conn-a", "alice")
	require.NoError(t, reg.JoinRoom(first, "conn-b", "bob"))
	second := reg.CreateRoom("conn-c", "carol")
	require.NoError(t, reg.JoinRoom(second, "conn-a", "alice"))
	require.NoError(t, reg.JoinRoom(second, "conn-b", "bob"))

	assert.ElementsMatch(t, []string{"conn-b", "conn-c"}, reg.Peers("conn-a"))
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, reg.Peers("conn-c"))
	assert.Empty(t, reg.Peers("conn-x"))
}

// TestRegistry_MembersMatchRegistrations 任意加入/離開序列後名單與註冊一致
func TestRegistry_MembersMatchRegistrations(t *testing.T) {
	reg := newRegistry()
	code := reg.CreateRoom("c0", "n0")
	expected := map[string]string{"c0": "n0"}

	for i := 1; i < 20; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, reg.JoinRoom(code, id, fmt.Sprintf("n%d", i)))
		expected[id] = fmt.Sprintf("n%d", i)
		if i%3 == 0 {
			reg.Leave(fmt.Sprintf("c%d", i-1))
			delete(expected, fmt.Sprintf("c%d", i-1))
		}
	}

	members, ok := reg.Members(code)
	require.True(t, ok)
	got := make(map[string]string, len(members))
	for _, m := range members {
		got[m.ConnID] = m.Name
	}
	assert.Equal(t, expected, got)

	ids, _ := reg.MemberIDs(code)
	assert.Len(t, ids, len(expected))

	for id := range expected {
		reg.Leave(id)
	}
	assert.False(t, reg.Exists(code))
	assert.Equal(t, room.Stats{}, reg.Stats())
}

// TestStress_ConcurrentJoinLeave 測試併發加入與離開
func TestStress_ConcurrentJoinLeave(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	reg := newRegistry()
	const (
		numRooms   = 20
		perRoom    = 25
		iterations = 10
	)

	codes := make([]string, numRooms)
	for i := range codes {
		codes[i] = reg.CreateRoom(fmt.Sprintf("owner-%d", i), "owner")
	}

	var wg sync.WaitGroup
	for i := 0; i < numRooms; i++ {
		for j := 0; j < perRoom; j++ {
			wg.Add(1)
			go func(roomIdx, member int) {
				defer wg.Done()
				id := fmt.Sprintf("conn-%d-%d", roomIdx, member)
				for k := 0; k < iterations; k++ {
					_ = reg.JoinRoom(codes[roomIdx], id, "guest")
					reg.Leave(id)
				}
			}(i, j)
		}
	}
	wg.Wait()

	stats := reg.Stats()
	assert.Equal(t, numRooms, stats.Rooms)
	assert.Equal(t, numRooms, stats.Members)
	for _, code := range codes {
		names, ok := reg.MembersOf(code)
		require.True(t, ok)
		assert.Equal(t, []string{"owner"}, names)
	}

	// 並行創建的房間碼不重複
	seen := make(map[string]struct{})
	var mu sync.Mutex
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := reg.CreateRoom(fmt.Sprintf("creator-%d", i), "c")
			mu.Lock()
			seen[code] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}
