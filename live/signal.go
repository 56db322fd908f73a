package live

// SpeakingLevel is the activity reported while the model is speaking. Output
// amplitude is not analyzed; the display only needs a steady nonzero level.
const SpeakingLevel = 0.5

// Signal drives an activity display.
type Signal struct {
	// Level is in [0, 1].
	Level float64
	// Speaking is true while model audio is scheduled or playing.
	Speaking bool
}

// visualizer folds microphone RMS and playback activity into a Signal.
// Zero value is the flat-line Signal used while disconnected.
type visualizer struct {
	sig Signal
}

// mic applies a microphone RMS sample. While the model speaks the sample is
// ignored so listening levels never overwrite the speaking display.
func (v *visualizer) mic(rms float64) bool {
	if v.sig.Speaking {
		return false
	}
	level := clamp01(rms)
	if level == v.sig.Level {
		return false
	}
	v.sig.Level = level
	return true
}

// speaking switches between the speaking and listening displays. Leaving the
// speaking display drops the level to zero until the next microphone sample.
func (v *visualizer) speaking(on bool) bool {
	next := Signal{}
	if on {
		next = Signal{Level: SpeakingLevel, Speaking: true}
	}
	if next == v.sig {
		return false
	}
	v.sig = next
	return true
}

func (v *visualizer) reset() bool {
	changed := v.sig != Signal{}
	v.sig = Signal{}
	return changed
}

func clamp01(x float64) float64 {
	switch {
	case x != x, x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
