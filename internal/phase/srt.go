package phase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/wire"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// DialTimeout bounds how long a caller-mode source waits for the remote
// listener.
const DialTimeout = 10 * time.Second

// ErrUnexpectedMessage is returned when the peer sends a message type the
// source does not expect at that point of the stream.
var ErrUnexpectedMessage = errors.New("phase: unexpected message")

// ConnectFunc establishes the byte stream a source reads wire messages from.
type ConnectFunc func(ctx context.Context) (io.ReadCloser, error)

// SRTStats captures connection-level metrics for one phase source.
type SRTStats struct {
	Key           string `json:"key"`
	Connected     bool   `json:"connected"`
	Connects      int64  `json:"connects"`
	MessagesRead  int64  `json:"messagesRead"`
	BytesReceived int64  `json:"bytesReceived"`
}

// SRTSource receives one phase over SRT. The peer sends a MsgInfo message
// describing its stream, then one MsgSample message per sample. When the
// connection drops, Pull returns the error and the next Pull reconnects.
type SRTSource struct {
	log     *slog.Logger
	key     string
	connect ConnectFunc

	mu     sync.Mutex
	conn   io.ReadCloser
	br     *bufio.Reader
	info   media.StreamInfo
	clocks []*media.ClockInfo

	connected atomic.Bool
	connects  atomic.Int64
	messages  atomic.Int64
	bytes     atomic.Int64
}

// NewSource returns a source reading wire messages from connections made by
// connect. key names the phase in logs and stats. If log is nil,
// slog.Default() is used.
func NewSource(key string, connect ConnectFunc, log *slog.Logger) *SRTSource {
	if log == nil {
		log = slog.Default()
	}
	return &SRTSource{
		log:     log.With("component", "srt-source", "phase_key", key),
		key:     key,
		connect: connect,
	}
}

// NewSRTCaller returns a source that dials a remote SRT listener at addr.
// streamID defaults to "phase/<key>".
func NewSRTCaller(key, addr, streamID string, log *slog.Logger) *SRTSource {
	if streamID == "" {
		streamID = "phase/" + key
	}
	return NewSource(key, func(ctx context.Context) (io.ReadCloser, error) {
		return dialSRT(ctx, addr, streamID)
	}, log)
}

func dialSRT(ctx context.Context, addr, streamID string) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go drainDial(ch)
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, DialTimeout)
	case <-ctx.Done():
		go drainDial(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// drainDial waits for a dial that lost the race and closes any leaked
// connection.
func drainDial(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// Init connects and reads the peer's stream info. A non-zero expected info
// must match the peer's video frame rate.
func (s *SRTSource) Init(ctx context.Context, expected media.StreamInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if len(expected.Video) > 0 && len(s.info.Video) > 0 {
		want := expected.Video[0].FrameRate
		if got := s.info.Video[0].FrameRate; want.Valid() && got != want {
			return fmt.Errorf("%w: phase %s sends %s, expected %s", ErrInfoMismatch, s.key, got, want)
		}
	}
	return nil
}

// Info returns the stream info last received from the peer.
func (s *SRTSource) Info() media.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Pull returns the next sample sent by the peer, reconnecting first if the
// previous connection was lost.
func (s *SRTSource) Pull(ctx context.Context) (*media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	for {
		typ, payload, err := s.read(ctx)
		if err != nil {
			return nil, err
		}
		switch typ {
		case wire.MsgSample:
			smp, err := wire.ParseSample(payload, s.clocks)
			if err != nil {
				return nil, fmt.Errorf("phase %s: %w", s.key, err)
			}
			return smp, nil
		case wire.MsgInfo:
			if err := s.setInfo(payload); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: type %#x", ErrUnexpectedMessage, typ)
		}
	}
}

// Stats returns a snapshot of the connection counters.
func (s *SRTSource) Stats() SRTStats {
	return SRTStats{
		Key:           s.key,
		Connected:     s.connected.Load(),
		Connects:      s.connects.Load(),
		MessagesRead:  s.messages.Load(),
		BytesReceived: s.bytes.Load(),
	}
}

// Close drops the current connection.
func (s *SRTSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnect()
}

func (s *SRTSource) ensureConnected(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("phase %s: connect: %w", s.key, err)
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.connected.Store(true)
	s.connects.Add(1)

	typ, payload, err := s.read(ctx)
	if err != nil {
		return err
	}
	if typ != wire.MsgInfo {
		s.disconnect()
		return fmt.Errorf("%w: type %#x before stream info", ErrUnexpectedMessage, typ)
	}
	if err := s.setInfo(payload); err != nil {
		return err
	}
	s.log.Info("connected", "connects", s.connects.Load())
	return nil
}

func (s *SRTSource) setInfo(payload []byte) error {
	info, err := wire.ParseInfo(payload)
	if err != nil {
		s.disconnect()
		return fmt.Errorf("phase %s: %w", s.key, err)
	}
	s.info = info
	s.clocks = wire.Clocks(info)
	return nil
}

// read reads one message, closing the connection when ctx is done so that a
// blocked read returns.
func (s *SRTSource) read(ctx context.Context) (uint64, []byte, error) {
	conn := s.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	typ, payload, err := wire.ReadMessage(s.br)
	if !stop() {
		s.disconnect()
		return 0, nil, ctx.Err()
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read error", "error", err)
		}
		s.disconnect()
		return 0, nil, fmt.Errorf("phase %s: %w", s.key, err)
	}
	s.messages.Add(1)
	s.bytes.Add(int64(len(payload)))
	return typ, payload, nil
}

func (s *SRTSource) disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.br = nil
	if s.connected.Swap(false) {
		s.log.Info("disconnected", "messages", s.messages.Load(), "bytes", s.bytes.Load())
	}
	return err
}

// Listener accepts SRT connections for several phases on one address and
// hands each to the source registered for its stream id.
type Listener struct {
	log  *slog.Logger
	addr string

	mu      sync.Mutex
	waiting map[string]chan io.ReadCloser
}

// NewListener returns a listener for addr. If log is nil, slog.Default() is
// used.
func NewListener(addr string, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:     log.With("component", "srt-listener"),
		addr:    addr,
		waiting: make(map[string]chan io.ReadCloser),
	}
}

// Source registers key and returns the source fed by connections whose
// stream id is key (a leading "/" or "phase/" prefix is ignored).
func (l *Listener) Source(key string) *SRTSource {
	ch := make(chan io.ReadCloser)
	l.mu.Lock()
	l.waiting[key] = ch
	l.mu.Unlock()

	return NewSource(key, func(ctx context.Context) (io.ReadCloser, error) {
		select {
		case c := <-ch:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, l.log)
}

// Serve accepts connections until ctx is cancelled. Connections for unknown
// stream ids are rejected during the handshake.
func (l *Listener) Serve(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(l.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", l.addr)

	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if l.lookup(PhaseKey(req.StreamID)) == nil {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}

		key := PhaseKey(conn.StreamID())
		l.log.Info("phase connected", "phase_key", key, "remote", conn.RemoteAddr())
		go l.handoff(ctx, key, conn)
	}
}

func (l *Listener) handoff(ctx context.Context, key string, conn *srtgo.Conn) {
	ch := l.lookup(key)
	if ch == nil {
		conn.Close()
		return
	}
	select {
	case ch <- conn:
	case <-ctx.Done():
		conn.Close()
	}
}

func (l *Listener) lookup(key string) chan io.ReadCloser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting[key]
}

// PhaseKey extracts the phase key from an SRT stream id.
func PhaseKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "phase/")
	return streamID
}
