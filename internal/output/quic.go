package output

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/phasemux/internal/certs"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/wire"
)

// ALPN is the application protocol negotiated by QUIC subscribers.
const ALPN = "phasemux"

// DefaultSubscriberBuffer is the number of sequences queued per QUIC
// subscriber before new ones are dropped.
const DefaultSubscriberBuffer = 64

// infoTimeout is how long a new subscriber waits for the engine to define
// the output stream before it is turned away.
const infoTimeout = 30 * time.Second

// QUIC connection close codes.
const (
	quicErrNone     quic.ApplicationErrorCode = 0
	quicErrNoStream quic.ApplicationErrorCode = 1
	quicErrInternal quic.ApplicationErrorCode = 2
)

// QUICConfig configures a QUICServer.
type QUICConfig struct {
	Addr   string
	Cert   *certs.CertInfo
	Relay  *Relay
	Buffer int // DefaultSubscriberBuffer if 0
	Logger *slog.Logger
}

// QUICServer serves the output stream to remote subscribers. Each subscriber
// gets one unidirectional stream carrying a MsgInfo message followed by
// MsgSequence messages.
type QUICServer struct {
	log    *slog.Logger
	config QUICConfig

	ready  chan struct{}
	addr   net.Addr
	nextID atomic.Uint64
}

// NewQUICServer returns a server for config. It returns an error if required
// fields are missing.
func NewQUICServer(config QUICConfig) (*QUICServer, error) {
	if config.Cert == nil {
		return nil, errors.New("output: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("output: Addr is required")
	}
	if config.Relay == nil {
		return nil, errors.New("output: Relay is required")
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultSubscriberBuffer
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &QUICServer{
		log:    log.With("component", "quic-output"),
		config: config,
		ready:  make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address once the server is listening, or
// nil if ctx is done first.
func (s *QUICServer) Addr(ctx context.Context) net.Addr {
	select {
	case <-s.ready:
		return s.addr
	case <-ctx.Done():
		return nil
	}
}

// Serve accepts subscribers until ctx is cancelled.
func (s *QUICServer) Serve(ctx context.Context) error {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(s.config.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.config.Addr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)
	s.log.Info("listening", "addr", s.addr.String(), "fingerprint", s.config.Cert.FingerprintBase64())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *QUICServer) handle(ctx context.Context, conn quic.Connection) {
	id := fmt.Sprintf("quic-%d-%s", s.nextID.Add(1), conn.RemoteAddr())
	log := s.log.With("subscriber", id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, infoTimeout)
	ok := s.config.Relay.WaitInfo(waitCtx)
	waitCancel()
	if !ok {
		log.Warn("output info not available")
		conn.CloseWithError(quicErrInternal, "output not ready")
		return
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		log.Warn("open stream failed", "error", err)
		conn.CloseWithError(quicErrNoStream, "open stream failed")
		return
	}

	sub := newQUICSubscriber(id, s.config.Buffer)
	if err := wire.WriteMessage(stream, wire.MsgInfo, wire.AppendInfo(nil, s.config.Relay.Info())); err != nil {
		log.Debug("write info failed", "error", err)
		conn.CloseWithError(quicErrInternal, "write failed")
		return
	}

	s.config.Relay.Add(sub)
	defer s.config.Relay.Remove(id)

	if err := sub.run(ctx, stream); err != nil {
		log.Debug("subscriber ended", "error", err)
		conn.CloseWithError(quicErrInternal, "write failed")
		return
	}
	stream.Close()
	conn.CloseWithError(quicErrNone, "")
}

// quicSubscriber queues sequences for one remote subscriber.
type quicSubscriber struct {
	id string
	ch chan *media.Sequence

	sent    atomic.Int64
	dropped atomic.Int64
	bytes   atomic.Int64
	lastTP  atomic.Int64
}

func newQUICSubscriber(id string, buffer int) *quicSubscriber {
	return &quicSubscriber{id: id, ch: make(chan *media.Sequence, buffer)}
}

func (q *quicSubscriber) ID() string { return q.id }

func (q *quicSubscriber) Send(seq *media.Sequence) {
	select {
	case q.ch <- seq:
	default:
		q.dropped.Add(1)
	}
}

func (q *quicSubscriber) Stats() SubscriberStats {
	return SubscriberStats{
		ID:        q.id,
		Sent:      q.sent.Load(),
		Dropped:   q.dropped.Load(),
		BytesSent: q.bytes.Load(),
		LastTP:    q.lastTP.Load(),
	}
}

func (q *quicSubscriber) run(ctx context.Context, stream quic.SendStream) error {
	for {
		select {
		case seq := <-q.ch:
			payload := wire.AppendSequence(nil, seq)
			if err := wire.WriteMessage(stream, wire.MsgSequence, payload); err != nil {
				return err
			}
			q.sent.Add(1)
			q.bytes.Add(int64(len(payload)))
			q.lastTP.Store(seq.TP)
		case <-ctx.Done():
			return nil
		}
	}
}

// SequenceHandler is called for every sequence received by Subscribe, with
// the stream info announced by the server.
type SequenceHandler func(info media.StreamInfo, seq *media.Sequence) error

// Subscribe connects to a QUICServer at addr and calls fn for every
// sequence until ctx is done, the server closes the stream or fn returns an
// error. A nil tlsConfig trusts any certificate.
func Subscribe(ctx context.Context, addr string, tlsConfig *tls.Config, fn SequenceHandler) error {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(quicErrNone, "")

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("accept stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.CancelRead(0) })
	defer stop()

	br := bufio.NewReader(stream)
	var (
		info   media.StreamInfo
		clocks []*media.ClockInfo
	)
	for {
		typ, payload, err := wire.ReadMessage(br)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch typ {
		case wire.MsgInfo:
			if info, err = wire.ParseInfo(payload); err != nil {
				return err
			}
			clocks = wire.Clocks(info)
		case wire.MsgSequence:
			seq, err := wire.ParseSequence(payload, clocks)
			if err != nil {
				return err
			}
			if err := fn(info, seq); err != nil {
				return err
			}
		}
	}
}
