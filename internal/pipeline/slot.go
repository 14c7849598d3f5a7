package pipeline

// Slot is a single-holder token guarding the utterance worker
type Slot struct {
	ch chan struct{}
}

func NewSlot() *Slot {
	return &Slot{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the slot if it is free
func (s *Slot) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot. Releasing a free slot is a no-op.
func (s *Slot) Release() {
	select {
	case <-s.ch:
	default:
	}
}

// Busy reports whether the slot is held
func (s *Slot) Busy() bool {
	return len(s.ch) == 1
}
