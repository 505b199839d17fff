package generator

import (
	"fmt"
	"math/rand"
)

var phrases = []string{
	"Picked this up", "Pushing the fix now", "Can someone review?", "Blocked on the API",
	"Deploy went out", "Tests are green", "Moving to the next subtask", "Need the design doc for this",
	"Updated the estimate", "Pairing after lunch", "Found the root cause", "Rolling back",
	"Looks good to me", "Reopening, still broken", "Attached the logs", "Closing this out",
}

// Script is what one simulated user does: join a room (or the lobby when
// RoomKey is empty) and send Messages in order.
type Script struct {
	Identity string
	RoomKey  string
	Messages []string
}

type Config struct {
	Users           int
	Rooms           int
	MessagesPerUser int
	// LobbyShare is the fraction of users that chat in the lobby instead of
	// a task room.
	LobbyShare float64
}

type Generator struct {
	cfg    Config
	Output chan Script
	rnd    *rand.Rand
}

func NewGenerator(cfg Config, bufferSize int, seed int64) *Generator {
	if cfg.Rooms <= 0 {
		cfg.Rooms = 1
	}
	return &Generator{
		cfg:    cfg,
		Output: make(chan Script, bufferSize),
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Run emits one script per user and closes Output.
func (g *Generator) Run() {
	defer close(g.Output)

	for u := 0; u < g.cfg.Users; u++ {
		identity := fmt.Sprintf("user%d", u+1)

		roomKey := ""
		if g.rnd.Float64() >= g.cfg.LobbyShare {
			roomKey = fmt.Sprintf("task-%d", g.rnd.Intn(g.cfg.Rooms)+1)
		}

		// the suffix makes every message unique so its echo can be matched
		messages := make([]string, g.cfg.MessagesPerUser)
		for i := range messages {
			messages[i] = fmt.Sprintf("%s #%s-%d", phrases[g.rnd.Intn(len(phrases))], identity, i+1)
		}

		g.Output <- Script{
			Identity: identity,
			RoomKey:  roomKey,
			Messages: messages,
		}
	}
}
