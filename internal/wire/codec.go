package wire

import (
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/phasemux/internal/media"
)

const sampleHasVideo = 0x01

// AppendInfo appends the encoding of info to buf.
func AppendInfo(buf []byte, info media.StreamInfo) []byte {
	buf = quicvarint.Append(buf, uint64(len(info.Video)))
	for _, v := range info.Video {
		buf = quicvarint.Append(buf, uint64(v.Width))
		buf = quicvarint.Append(buf, uint64(v.Height))
		buf = quicvarint.Append(buf, uint64(v.ScanMode))
		buf = quicvarint.Append(buf, uint64(v.Layout))
		buf = appendRate(buf, v.FrameRate)
		buf = quicvarint.Append(buf, uint64(len(v.Clocks)))
		for _, c := range v.Clocks {
			buf = appendBytes(buf, []byte(c.ID))
			buf = quicvarint.Append(buf, uint64(c.Type))
			buf = appendRate(buf, c.Rate)
		}
	}
	buf = quicvarint.Append(buf, uint64(len(info.Audio)))
	for _, a := range info.Audio {
		buf = appendBytes(buf, []byte(a.Codec))
		buf = quicvarint.Append(buf, uint64(a.SampleRate))
		buf = quicvarint.Append(buf, uint64(a.Channels))
	}
	return buf
}

// ParseInfo decodes a MsgInfo payload.
func ParseInfo(data []byte) (media.StreamInfo, error) {
	r := newReader(data)
	var info media.StreamInfo

	nv, err := r.count("num_video")
	if err != nil {
		return info, err
	}
	for range nv {
		v := &media.VideoInfo{}
		if v.Width, err = r.int("width"); err != nil {
			return info, err
		}
		if v.Height, err = r.int("height"); err != nil {
			return info, err
		}
		scan, err := r.int("scan_mode")
		if err != nil {
			return info, err
		}
		v.ScanMode = media.ScanMode(scan)
		layout, err := r.int("frame_layout")
		if err != nil {
			return info, err
		}
		v.Layout = media.FrameLayout(layout)
		if v.FrameRate, err = r.rate("frame_rate"); err != nil {
			return info, err
		}

		nc, err := r.count("num_clocks")
		if err != nil {
			return info, err
		}
		for range nc {
			c := &media.ClockInfo{}
			if c.ID, err = r.string("clock_id"); err != nil {
				return info, err
			}
			typ, err := r.int("clock_type")
			if err != nil {
				return info, err
			}
			c.Type = media.ClockType(typ)
			if c.Rate, err = r.rate("clock_rate"); err != nil {
				return info, err
			}
			v.Clocks = append(v.Clocks, c)
		}
		info.Video = append(info.Video, v)
	}

	na, err := r.count("num_audio")
	if err != nil {
		return info, err
	}
	for range na {
		a := &media.AudioInfo{}
		if a.Codec, err = r.string("codec"); err != nil {
			return info, err
		}
		if a.SampleRate, err = r.int("sample_rate"); err != nil {
			return info, err
		}
		if a.Channels, err = r.int("channels"); err != nil {
			return info, err
		}
		info.Audio = append(info.Audio, a)
	}
	return info, nil
}

// AppendSample appends the encoding of s to buf. Time limits carry their
// clock id; ParseSample resolves it against a clock set.
func AppendSample(buf []byte, s *media.Sample) []byte {
	var flags byte
	if s.Video != nil {
		flags |= sampleHasVideo
	}
	buf = append(buf, flags)
	if s.Video != nil {
		buf = quicvarint.Append(buf, uint64(s.Video.Structure))
		buf = quicvarint.Append(buf, uint64(s.Video.Flags))
		buf = appendBytes(buf, s.Video.Data)
	}

	buf = quicvarint.Append(buf, uint64(len(s.Audio)))
	for _, a := range s.Audio {
		buf = quicvarint.Append(buf, uint64(a.SampleRate))
		buf = quicvarint.Append(buf, uint64(a.Channels))
		buf = appendBytes(buf, a.Data)
	}

	buf = quicvarint.Append(buf, uint64(len(s.Times)))
	for _, tl := range s.Times {
		buf = appendBytes(buf, []byte(tl.ClockID()))
		buf = appendRate(buf, tl.EditRate)
		buf = appendInt64(buf, tl.Number)
		buf = appendInt64(buf, tl.Duration)
	}
	return buf
}

// ParseSample decodes a MsgSample payload. Clock ids are resolved against
// clocks; ids not found there get a new ClockInfo.
func ParseSample(data []byte, clocks []*media.ClockInfo) (*media.Sample, error) {
	return newReader(data).sample(clocks)
}

func (r *reader) sample(clocks []*media.ClockInfo) (*media.Sample, error) {
	if r.pos >= len(r.data) {
		return nil, &ParseError{Field: "sample_flags", Err: io.ErrUnexpectedEOF}
	}
	flags := r.data[r.pos]
	r.pos++

	s := &media.Sample{}
	if flags&sampleHasVideo != 0 {
		v := &media.VideoEssence{}
		structure, err := r.int("picture_structure")
		if err != nil {
			return nil, err
		}
		v.Structure = media.PictureStructure(structure)
		vf, err := r.varint("video_flags")
		if err != nil {
			return nil, err
		}
		v.Flags = uint32(vf)
		if v.Data, err = r.bytes("video_data"); err != nil {
			return nil, err
		}
		s.Video = v
	}

	na, err := r.count("num_audio")
	if err != nil {
		return nil, err
	}
	for range na {
		a := &media.AudioEssence{}
		if a.SampleRate, err = r.int("audio_sample_rate"); err != nil {
			return nil, err
		}
		if a.Channels, err = r.int("audio_channels"); err != nil {
			return nil, err
		}
		if a.Data, err = r.bytes("audio_data"); err != nil {
			return nil, err
		}
		s.Audio = append(s.Audio, a)
	}

	nt, err := r.count("num_times")
	if err != nil {
		return nil, err
	}
	for range nt {
		id, err := r.string("time_clock_id")
		if err != nil {
			return nil, err
		}
		var tl media.TimeLimits
		if tl.EditRate, err = r.rate("time_edit_rate"); err != nil {
			return nil, err
		}
		if tl.Number, err = r.int64("time_number"); err != nil {
			return nil, err
		}
		if tl.Duration, err = r.int64("time_duration"); err != nil {
			return nil, err
		}
		tl.Clock = resolveClock(clocks, id, tl.EditRate)
		s.Times = append(s.Times, tl)
	}
	return s, nil
}

// AppendSequence appends the encoding of seq to buf.
func AppendSequence(buf []byte, seq *media.Sequence) []byte {
	buf = quicvarint.Append(buf, uint64(seq.Kind))
	buf = appendInt64(buf, seq.TP)
	buf = quicvarint.Append(buf, uint64(len(seq.Samples)))
	for _, s := range seq.Samples {
		buf = AppendSample(buf, s)
	}
	return buf
}

// ParseSequence decodes a MsgSequence payload.
func ParseSequence(data []byte, clocks []*media.ClockInfo) (*media.Sequence, error) {
	r := newReader(data)
	seq := &media.Sequence{}

	kind, err := r.int("sequence_kind")
	if err != nil {
		return nil, err
	}
	seq.Kind = media.SequenceKind(kind)
	if seq.TP, err = r.int64("sequence_tp"); err != nil {
		return nil, err
	}
	n, err := r.count("num_samples")
	if err != nil {
		return nil, err
	}
	for range n {
		s, err := r.sample(clocks)
		if err != nil {
			return nil, err
		}
		seq.Samples = append(seq.Samples, s)
	}
	return seq, nil
}

// Clocks returns every clock of every video track in info.
func Clocks(info media.StreamInfo) []*media.ClockInfo {
	var out []*media.ClockInfo
	for _, v := range info.Video {
		out = append(out, v.Clocks...)
	}
	return out
}

func resolveClock(clocks []*media.ClockInfo, id string, rate media.EditRate) *media.ClockInfo {
	for _, c := range clocks {
		if c.ID == id {
			return c
		}
	}
	c := &media.ClockInfo{ID: id, Type: media.ClockRelative, Rate: rate}
	if id == media.SystemTimeClock {
		c.Type = media.ClockUnixEpoch
		c.Rate = media.EditRate{Num: int64(time.Second), Den: 1}
	}
	return c
}

func appendRate(buf []byte, r media.EditRate) []byte {
	buf = quicvarint.Append(buf, uint64(r.Num))
	return quicvarint.Append(buf, uint64(r.Den))
}

func (r *reader) rate(field string) (media.EditRate, error) {
	num, err := r.varint(field + "_num")
	if err != nil {
		return media.EditRate{}, err
	}
	den, err := r.varint(field + "_den")
	if err != nil {
		return media.EditRate{}, err
	}
	return media.EditRate{Num: int64(num), Den: int64(den)}, nil
}
