package room

// UserInfo describes one connection joined to a room.
type UserInfo struct {
	ID          string  `json:"id"`
	Room        string  `json:"room"`
	ConnectedAt float64 `json:"connected_at"`
}

// State is the authoritative playback state of a room. Values handed out by
// the Store are snapshots; mutating them has no effect on the room.
type State struct {
	CurrentTrack *string `json:"current_track"`
	IsPlaying    bool    `json:"is_playing"`
	CurrentTime  float64 `json:"current_time"`
	Volume       float64 `json:"volume"`
	LastUpdate   float64 `json:"last_update"`

	// PositionAt is when CurrentTime was last set. A live position is
	// CurrentTime plus the time since PositionAt while playing.
	PositionAt float64 `json:"position_at"`

	// Seq counts playback mutations so clients can notice a missed
	// broadcast and ask for a snapshot.
	Seq uint64 `json:"seq"`

	Playlist []string            `json:"playlist"`
	Users    map[string]UserInfo `json:"users"`

	repositioned bool
}

func defaultState(now float64) State {
	return State{
		Volume:     1.0,
		LastUpdate: now,
		PositionAt: now,
		Playlist:   []string{},
		Users:      make(map[string]UserInfo),
	}
}

// UsersCount is the number of connections joined to the room.
func (s State) UsersCount() int {
	return len(s.Users)
}

// Reposition marks CurrentTime or IsPlaying as freshly set by the current
// Update, which then anchors PositionAt to the commit time.
func (s *State) Reposition() {
	s.repositioned = true
}

// Track returns the current track or "" when none is loaded.
func (s State) Track() string {
	if s.CurrentTrack == nil {
		return ""
	}
	return *s.CurrentTrack
}

func (s State) clone() State {
	out := s
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		out.CurrentTrack = &t
	}
	out.Playlist = append(make([]string, 0, len(s.Playlist)), s.Playlist...)
	out.Users = make(map[string]UserInfo, len(s.Users))
	for id, u := range s.Users {
		out.Users[id] = u
	}
	return out
}
