package session

import "github.com/charmbracelet/log"

// State bundles the three tables a server dispatcher needs, all
// sharing one server lifetime regardless of how many connections come
// and go.
type State struct {
	Processes *ProcessTable
	Watches   *WatchTable
	Searches  *SearchTable
}

// NewState constructs a fresh State.
func NewState(logger *log.Logger) *State {
	return &State{
		Processes: NewProcessTable(logger),
		Watches:   NewWatchTable(logger),
		Searches:  NewSearchTable(logger),
	}
}

// Close stops background work (the watch table's event loop).
func (s *State) Close() {
	s.Watches.Close()
}
