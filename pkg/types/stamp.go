package types

// Stamp marks a checkpoint. A store flushed after processing height h
// carries Stamp(h+1), so a stamp is also the next height to process and a
// store that was never flushed has stamp 0.
type Stamp uint64

// StampAfter returns the stamp of a checkpoint taken after height h.
func StampAfter(h uint64) Stamp {
	return Stamp(h + 1)
}

// Height returns the height processing resumes from.
func (s Stamp) Height() uint64 {
	return uint64(s)
}
