package hl7v2

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	mllpMaxMessageSize = 1 << 20

	// mllpIdleTimeout closes connections that send nothing.
	mllpIdleTimeout = 5 * time.Minute

	mllpWriteTimeout = 10 * time.Second
)

var mllpEndSequence = []byte{MLLPEndBlock, MLLPCarriageReturn}

// Frame wraps payload in MLLP framing:
//
//	<0x0B> + payload + <0x1C><0x0D>
//
// payload must not contain the end sequence <0x1C><0x0D>; a receiver ends
// the frame at its first occurrence.
func Frame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, payload...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// Unframe extracts the first complete frame from data. It returns the
// payload, the bytes after the frame, and whether a complete frame was found.
// Bytes before the start block are discarded.
func Unframe(data []byte) (payload []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], mllpEndSequence)
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+len(mllpEndSequence):], true
}

// UnframeTrimmed is Unframe for a single complete response: trailing
// whitespace after the end sequence is ignored and a missing final CR is
// tolerated.
func UnframeTrimmed(data []byte) ([]byte, bool) {
	if payload, _, ok := Unframe(data); ok {
		return payload, true
	}
	data = bytes.TrimRight(data, " \t\r\n")
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 || len(data) < start+2 || data[len(data)-1] != MLLPEndBlock {
		return nil, false
	}
	return data[start+1 : len(data)-1], true
}

// ConnMeta describes the connection a message arrived on.
type ConnMeta struct {
	RemoteAddr string
	LocalAddr  string
	TLS        bool
}

// RemoteIP returns the host part of RemoteAddr.
func (m ConnMeta) RemoteIP() string {
	host, _, err := net.SplitHostPort(m.RemoteAddr)
	if err != nil {
		return m.RemoteAddr
	}
	return host
}

// MessageHandler handles one unframed payload and returns the bytes to frame
// and send back. A nil response sends nothing.
type MessageHandler interface {
	HandleMLLP(ctx context.Context, payload []byte, meta ConnMeta) []byte
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, payload []byte, meta ConnMeta) []byte

// HandleMLLP calls f.
func (f HandlerFunc) HandleMLLP(ctx context.Context, payload []byte, meta ConnMeta) []byte {
	return f(ctx, payload, meta)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTLS makes the server accept TLS connections only.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithServerLogger sets the logger used for connection level events.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIdleTimeout overrides how long an idle connection is kept open.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = d }
}

// Server listens for MLLP connections. Each connection is served by its own
// goroutine and messages on one connection are handled in arrival order.
type Server struct {
	addr        string
	handler     MessageHandler
	tlsConfig   *tls.Config
	idleTimeout time.Duration
	logger      zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, handler MessageHandler, opts ...ServerOption) *Server {
	s := &Server{
		addr:        addr,
		handler:     handler,
		idleTimeout: mllpIdleTimeout,
		logger:      zerolog.Nop(),
		conns:       make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins listening. The accept loop runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("mllp listener started")
	return nil
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and all open connections, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// OpenConnections returns the number of peers currently connected.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("mllp accept failed")
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	meta := ConnMeta{
		RemoteAddr: conn.RemoteAddr().String(),
		LocalAddr:  conn.LocalAddr().String(),
		TLS:        s.tlsConfig != nil,
	}
	log := s.logger.With().Str("remote", meta.RemoteAddr).Logger()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("mllp message exceeds max size, closing connection")
				return
			}
			for {
				payload, rest, found := Unframe(buf)
				if !found {
					break
				}
				// Copy: the handler may retain the payload beyond this read.
				msg := append([]byte(nil), payload...)
				buf = append(buf[:0], rest...)
				if !s.respond(conn, msg, meta) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) respond(conn net.Conn, payload []byte, meta ConnMeta) bool {
	resp := s.handler.HandleMLLP(s.ctx, payload, meta)
	if resp == nil {
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(Frame(resp)); err != nil {
		s.logger.Error().Err(err).Str("remote", meta.RemoteAddr).Msg("mllp write failed")
		return false
	}
	return true
}
