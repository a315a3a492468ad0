package leaderboard

import "progresskit/core"

// Entry represents one player's standing on a board.
type Entry struct {
	Player core.PlayerID
	Value  float64
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(player core.PlayerID, value float64)
	Remove(player core.PlayerID)
	TopN(n int) []Entry
	Get(player core.PlayerID) (Entry, bool)
	Rank(player core.PlayerID) (int, bool)
}
