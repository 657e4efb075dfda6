package media

// ScanMode is the scanning mode of a video track.
type ScanMode int

const (
	ScanProgressive ScanMode = iota
	ScanInterlaced
)

// FrameLayout tells how an interlaced picture is delivered: both fields in
// one sample, or one sample per field.
type FrameLayout int

const (
	LayoutFullFrame FrameLayout = iota
	LayoutSeparatedFields
)

// VideoInfo describes a video track: picture geometry, scan mode and the
// clocks its samples are stamped with.
type VideoInfo struct {
	Width     int
	Height    int
	ScanMode  ScanMode
	Layout    FrameLayout
	FrameRate EditRate
	Clocks    []*ClockInfo
}

// Clock returns the clock with the given id, or nil.
func (v *VideoInfo) Clock(id string) *ClockInfo {
	for _, c := range v.Clocks {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SeparatedFields reports whether the track delivers interlaced pictures as
// one sample per field, which is the only interlaced layout the reorder stage
// treats field by field.
func (v *VideoInfo) SeparatedFields() bool {
	return v.ScanMode == ScanInterlaced && v.Layout == LayoutSeparatedFields
}

// AudioInfo holds the codec parameters of one audio track.
type AudioInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}

// StreamInfo is the set of tracks a source produces or an engine outputs.
// The zero value means "no constraint" when passed as an expected input.
type StreamInfo struct {
	Video []*VideoInfo
	Audio []*AudioInfo
}

// IsZero reports whether the stream info describes no tracks at all.
func (s StreamInfo) IsZero() bool {
	return len(s.Video) == 0 && len(s.Audio) == 0
}

// SequenceKind tells which output pin a sequence is meant for.
type SequenceKind int

const (
	SequenceVideo SequenceKind = iota
	SequenceAudio
)

func (k SequenceKind) String() string {
	if k == SequenceAudio {
		return "audio"
	}
	return "video"
}

// Sequence is the unit pushed to an output pin: the retimed samples of one
// completed group in slot order (video), or the phase-0 audio of that group.
// TP is the group's target timestamp in system-time nanoseconds.
type Sequence struct {
	Kind    SequenceKind
	TP      int64
	Samples []*Sample
}
