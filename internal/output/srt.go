package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/wire"
)

const (
	srtLatencyNs = 120_000_000 // 120ms

	// srtChunkSize is the largest payload written per SRT live-mode packet.
	srtChunkSize = 1316

	// DialTimeout bounds how long the SRT pin waits for the remote listener.
	DialTimeout = 10 * time.Second
)

// Dialer opens the byte stream an SRTPin writes to.
type Dialer func(ctx context.Context) (io.WriteCloser, error)

// SRTPin pushes output sequences to a remote SRT listener. Each connection
// starts with a MsgInfo message carrying the output stream info, followed by
// one MsgSequence message per Push. A failed write drops the connection; the
// next Push dials again.
type SRTPin struct {
	log  *slog.Logger
	dial Dialer
	info func() media.StreamInfo

	mu   sync.Mutex
	conn io.WriteCloser

	sent    atomic.Int64
	bytes   atomic.Int64
	dials   atomic.Int64
	failing atomic.Bool
}

// NewSRTPin returns a pin that dials addr with the given stream id. info is
// called on each new connection to obtain the stream info to announce.
func NewSRTPin(addr, streamID string, info func() media.StreamInfo, log *slog.Logger) *SRTPin {
	return newSRTPin(func(ctx context.Context) (io.WriteCloser, error) {
		return dialSRT(ctx, addr, streamID)
	}, info, log)
}

func newSRTPin(dial Dialer, info func() media.StreamInfo, log *slog.Logger) *SRTPin {
	if log == nil {
		log = slog.Default()
	}
	return &SRTPin{
		log:  log.With("component", "srt-pin"),
		dial: dial,
		info: info,
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

func dialSRT(ctx context.Context, addr, streamID string) (io.WriteCloser, error) {
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

	drain := func() {
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go drain()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, DialTimeout)
	case <-ctx.Done():
		go drain()
		return nil, ctx.Err()
	}
}

// Push implements slsm.Pin.
func (p *SRTPin) Push(ctx context.Context, seq *media.Sequence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	if err := p.write(wire.MsgSequence, wire.AppendSequence(nil, seq)); err != nil {
		return err
	}
	p.sent.Add(1)
	return nil
}

func (p *SRTPin) connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		if !p.failing.Swap(true) {
			p.log.Warn("connect failed", "error", err)
		}
		return fmt.Errorf("srt pin: %w", err)
	}
	p.failing.Store(false)
	p.dials.Add(1)
	p.conn = conn
	p.log.Info("connected", "dials", p.dials.Load())

	var info media.StreamInfo
	if p.info != nil {
		info = p.info()
	}
	return p.write(wire.MsgInfo, wire.AppendInfo(nil, info))
}

// write frames and sends one message in packet-sized chunks.
func (p *SRTPin) write(typ uint64, payload []byte) error {
	err := wire.WriteMessage(chunkWriter{w: p.conn, size: srtChunkSize}, typ, payload)
	if err != nil {
		p.log.Warn("write failed, dropping connection", "error", err)
		p.conn.Close()
		p.conn = nil
		return fmt.Errorf("srt pin: %w", err)
	}
	p.bytes.Add(int64(len(payload)))
	return nil
}

// Stats returns the number of sequences and payload bytes sent and the
// number of connections made.
func (p *SRTPin) Stats() (sent, bytes, dials int64) {
	return p.sent.Load(), p.bytes.Load(), p.dials.Load()
}

// Close drops the current connection.
func (p *SRTPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// chunkWriter splits each Write into writes of at most size bytes.
type chunkWriter struct {
	w    io.Writer
	size int
}

func (c chunkWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), c.size)
		m, err := c.w.Write(b[:n])
		written += m
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}
