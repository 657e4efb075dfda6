// Package media defines the sample and stream description types that flow
// through the phasemux engine, from the phase sources through the ring buffer
// and reorder stage to the output pins.
package media

import "fmt"

// Well-known clock identifiers. The default clock carries relative sample
// numbers at the stream's edit rate; the system-time clock carries absolute
// nanoseconds since the Unix epoch and is the one the engine orders by.
const (
	DefaultClock    = ""
	SystemTimeClock = "systime"
)

// EditRate is a rational sample rate expressed as Num/Den samples per second
// (e.g. 60000/1001 for 59.94p).
type EditRate struct {
	Num int64
	Den int64
}

// Mul returns the rate scaled by k, keeping the denominator so that
// non-integer rates stay exact.
func (r EditRate) Mul(k int64) EditRate {
	return EditRate{Num: r.Num * k, Den: r.Den}
}

// Div returns the rate divided by k.
func (r EditRate) Div(k int64) EditRate {
	if r.Num%k == 0 {
		return EditRate{Num: r.Num / k, Den: r.Den}
	}
	return EditRate{Num: r.Num, Den: r.Den * k}
}

// Valid reports whether both terms are positive.
func (r EditRate) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r EditRate) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ClockType describes how a clock's time numbers are interpreted.
type ClockType int

const (
	ClockRelative ClockType = iota
	ClockTimeCode
	ClockUnixEpoch
)

func (t ClockType) String() string {
	switch t {
	case ClockRelative:
		return "relative"
	case ClockTimeCode:
		return "timecode"
	case ClockUnixEpoch:
		return "unix-epoch"
	default:
		return fmt.Sprintf("clock-type(%d)", int(t))
	}
}

// ClockInfo identifies one clock a stream is stamped with.
type ClockInfo struct {
	ID   string
	Type ClockType
	Rate EditRate
}

// TimeLimits is one clock's view of a sample: where it starts and how long it
// lasts, in units of EditRate.
type TimeLimits struct {
	Clock    *ClockInfo
	EditRate EditRate
	Number   int64
	Duration int64
}

// ClockID returns the identifier of the clock these limits belong to.
func (tl TimeLimits) ClockID() string {
	if tl.Clock == nil {
		return DefaultClock
	}
	return tl.Clock.ID
}

// PictureStructure tells whether a video essence is a full frame or one
// field of an interlaced picture.
type PictureStructure int

const (
	PictureFrame PictureStructure = iota
	PictureTop
	PictureBottom
)

func (p PictureStructure) String() string {
	switch p {
	case PictureTop:
		return "top"
	case PictureBottom:
		return "bottom"
	default:
		return "frame"
	}
}

// VideoEssence is the picture payload of a sample. Data is opaque to the
// engine and shared, never copied, between input and output samples.
type VideoEssence struct {
	Data      []byte
	Structure PictureStructure
	Flags     uint32
}

// AudioEssence is one audio payload carried alongside a video sample.
type AudioEssence struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Sample is an immutable media unit produced by a phase source. Once handed
// to the engine it must not be modified; the engine derives new samples with
// the With* helpers instead.
type Sample struct {
	Video *VideoEssence
	Audio []*AudioEssence
	Times []TimeLimits
}

// TimeInfo returns the time limits for the clock with the given id.
func (s *Sample) TimeInfo(id string) (TimeLimits, bool) {
	for _, tl := range s.Times {
		if tl.ClockID() == id {
			return tl, true
		}
	}
	return TimeLimits{}, false
}

// SystemTime returns the system-time clock number in nanoseconds, or 0 when
// the sample carries no system-time stamp.
func (s *Sample) SystemTime() int64 {
	tl, ok := s.TimeInfo(SystemTimeClock)
	if !ok {
		return 0
	}
	return tl.Number
}

// Structure returns the picture structure of the video essence, or
// PictureFrame for samples without video.
func (s *Sample) Structure() PictureStructure {
	if s.Video == nil {
		return PictureFrame
	}
	return s.Video.Structure
}

// WithTimes returns a shallow copy of s carrying the given time limits.
func (s *Sample) WithTimes(times []TimeLimits) *Sample {
	out := *s
	out.Times = times
	return &out
}

// WithStructure returns a shallow copy of s whose video essence reports the
// given picture structure. The payload bytes are shared.
func (s *Sample) WithStructure(p PictureStructure) *Sample {
	out := *s
	if s.Video != nil {
		v := *s.Video
		v.Structure = p
		out.Video = &v
	}
	return &out
}

// AudioOnly returns a copy of s that keeps the audio essences and time limits
// and drops the video essence.
func (s *Sample) AudioOnly() *Sample {
	return &Sample{Audio: s.Audio, Times: s.Times}
}
