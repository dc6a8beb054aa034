package session

// SessionStatus describes one connected player.
type SessionStatus struct {
	ID     string `json:"id"`
	Slot   int    `json:"slot"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state"`
	Remote string `json:"remote"`
}

// Status is a point-in-time view of a coordinator.
type Status struct {
	Sessions []SessionStatus `json:"sessions"`
	// Round is the number of rounds started so far.
	Round    int       `json:"round"`
	Rounds   int       `json:"rounds"`
	Playing  bool      `json:"playing"`
	Progress []float64 `json:"progress,omitempty"`
}

// Status asks the Run goroutine for a snapshot.
func (c *Coordinator) Status() (Status, error) {
	reply := make(chan Status, 1)

	select {
	case c.status <- reply:
	case <-c.done:
		return Status{}, ErrStopped
	}

	return <-reply, nil
}

func (c *Coordinator) snapshot() Status {
	st := Status{
		Sessions: make([]SessionStatus, 0, len(c.sessions)),
		Round:    c.cursor,
		Rounds:   c.library.Len(),
		Playing:  c.round != nil,
	}

	for _, s := range c.sessions {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:     s.id,
			Slot:   s.slot,
			Name:   s.name,
			State:  s.state.String(),
			Remote: s.RemoteAddr(),
		})
	}

	if c.round != nil {
		st.Progress = []float64{c.round.Progress(0), c.round.Progress(1)}
	}

	return st
}
