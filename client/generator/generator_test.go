package generator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(g *Generator) []Script {
	go g.Run()
	var out []Script
	for s := range g.Output {
		out = append(out, s)
	}
	return out
}

func TestGenerator_Run(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantLobby  func(n int) bool
		wantScript int
	}{
		{
			name:       "rooms only",
			cfg:        Config{Users: 50, Rooms: 4, MessagesPerUser: 3},
			wantLobby:  func(n int) bool { return n == 0 },
			wantScript: 50,
		},
		{
			name:       "lobby only",
			cfg:        Config{Users: 20, Rooms: 4, MessagesPerUser: 1, LobbyShare: 1},
			wantLobby:  func(n int) bool { return n == 20 },
			wantScript: 20,
		},
		{
			name:       "no users",
			cfg:        Config{Users: 0, Rooms: 2, MessagesPerUser: 5},
			wantLobby:  func(n int) bool { return n == 0 },
			wantScript: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scripts := collect(NewGenerator(tt.cfg, 8, 42))
			require.Len(t, scripts, tt.wantScript)

			lobby := 0
			identities := make(map[string]bool)
			for _, s := range scripts {
				assert.False(t, identities[s.Identity], "duplicate identity %s", s.Identity)
				identities[s.Identity] = true

				if s.RoomKey == "" {
					lobby++
				} else {
					assert.True(t, strings.HasPrefix(s.RoomKey, "task-"))
				}
				require.Len(t, s.Messages, tt.cfg.MessagesPerUser)
				for _, m := range s.Messages {
					assert.Contains(t, m, "#"+s.Identity+"-")
				}
			}
			assert.True(t, tt.wantLobby(lobby), "lobby scripts: %d", lobby)
		})
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	cfg := Config{Users: 10, Rooms: 3, MessagesPerUser: 2, LobbyShare: 0.3}
	assert.Equal(t, collect(NewGenerator(cfg, 4, 7)), collect(NewGenerator(cfg, 4, 7)))
}
