package netinput

// FramedInput is an input tagged with the frame it was captured on.
type FramedInput struct {
	Frame FrameID
	Input NetworkInput
}

// ReceiverStats counts what the receiver did with incoming history.
type ReceiverStats struct {
	Processed uint64 // frames handed to the simulation
	Recovered uint64 // frames taken from history slots (their own packet was lost)
	Dropped   uint64 // frames lost because the gap exceeded MaxElements
	Stale     uint64 // arrays that carried nothing new
}

// InputReceiver turns a stream of overlapping input arrays into an ordered,
// gap-free (where possible) sequence of frames.
type InputReceiver struct {
	lastFrame FrameID
	started   bool
	stats     ReceiverStats
}

// LastFrame is the newest frame already returned by Accept.
func (r *InputReceiver) LastFrame() FrameID { return r.lastFrame }

func (r *InputReceiver) Stats() ReceiverStats { return r.stats }

// Accept returns the frames in a that are newer than anything accepted
// before, oldest first.
func (r *InputReceiver) Accept(a *NetworkInputArray) []FramedInput {
	newest := a.NewestFrame()
	if newest == 0 || (r.started && newest <= r.lastFrame) {
		r.stats.Stale++
		return nil
	}

	// Number of history slots that hold frames we have not processed.
	fresh := MaxElements
	if r.started {
		gap := uint64(newest - r.lastFrame)
		if gap > MaxElements {
			r.stats.Dropped += gap - MaxElements
		} else {
			fresh = int(gap)
		}
	}
	// Slots past the first ever frame hold default inputs, not real frames.
	if uint64(fresh) > uint64(newest) {
		fresh = int(newest)
	}

	out := make([]FramedInput, 0, fresh)
	for i := fresh - 1; i >= 0; i-- {
		out = append(out, FramedInput{
			Frame: newest - FrameID(i),
			Input: a.At(i).Clone(),
		})
		if i > 0 {
			r.stats.Recovered++
		}
	}

	r.stats.Processed += uint64(len(out))
	r.lastFrame = newest
	r.started = true
	return out
}

// Reset forgets the last frame, e.g. when the owning entity is respawned.
func (r *InputReceiver) Reset() {
	r.lastFrame = 0
	r.started = false
}
