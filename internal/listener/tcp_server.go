// Package listener provides the network ingestion boundary for external
// collectors: newline-delimited JSON events over TCP (optionally TLS) or
// DTLS. Each accepted line is answered with the assigned sequence, so a
// producer observes admission or backpressure with bounded latency.
package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hostguard/internal/bus"
	hgerrors "hostguard/internal/errors"
	"hostguard/internal/schema"
)

// TCPConfig holds configuration for the TCP listener.
type TCPConfig struct {
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DefaultTCPConfig returns the default TCP listener configuration.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  128 * 1024,
	}
}

// TCPMetrics holds listener counters.
type TCPMetrics struct {
	Connections uint64
	Received    uint64
	Admitted    uint64
	Refused     uint64
}

// TCPServer accepts collector connections and feeds lines into the bus.
type TCPServer struct {
	cfg      TCPConfig
	bus      *bus.Bus
	logger   *slog.Logger
	listener net.Listener

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}

	connections uint64
	received    uint64
	admitted    uint64
	refused     uint64
}

// NewTCPServer creates a TCP ingestion server.
func NewTCPServer(cfg TCPConfig, b *bus.Bus, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins accepting connections.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		listener, err = tls.Listen("tcp", s.cfg.Address, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener
	s.logger.Info("TCP listener started",
		"address", s.cfg.Address,
		"tls", s.cfg.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("accept error", "error", err)
				continue
			}
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.cfg.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting")
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		atomic.AddUint64(&s.connections, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer conn.Close()

	remote := remoteIP(conn)
	s.logger.Debug("collector connected", "remote", remote)

	// The reader buffer is the per-line cap: a line that outgrows it is
	// refused at the transport without ever being buffered whole.
	reader := bufio.NewReaderSize(conn, s.cfg.MaxLineLength)
	writer := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		line, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			atomic.AddUint64(&s.received, 1)
			atomic.AddUint64(&s.refused, 1)
			s.logger.Warn("line exceeds maximum length, refused",
				"remote", remote,
				"max_line_length", s.cfg.MaxLineLength,
			)
			s.respond(conn, writer, fmt.Sprintf("err %s\n", schema.RejectOversize))
			if !discardLine(reader) {
				return
			}
			continue
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			s.logger.Debug("read error", "remote", remote, "error", err)
			return
		}

		atomic.AddUint64(&s.received, 1)
		s.respond(conn, writer, s.processLine(ctx, line, remote))
	}
}

// discardLine drops input up to and including the next newline so the
// connection stays usable after an oversized line. Memory use is bounded
// by the reader buffer regardless of how long the line runs.
func discardLine(r *bufio.Reader) bool {
	for {
		_, err := r.ReadSlice('\n')
		switch err {
		case nil:
			return true
		case bufio.ErrBufferFull:
			continue
		default:
			return false
		}
	}
}

// processLine runs one event through the bus and returns the response line.
// Internal failure detail never crosses the wire.
func (s *TCPServer) processLine(ctx context.Context, line []byte, remote string) string {
	seq, err := s.bus.Ingest(ctx, line, remote)
	if err != nil {
		atomic.AddUint64(&s.refused, 1)
		return fmt.Sprintf("err %s\n", hgerrors.ProducerCode(err))
	}
	atomic.AddUint64(&s.admitted, 1)
	return fmt.Sprintf("ok %d\n", seq)
}

func (s *TCPServer) respond(conn net.Conn, w *bufio.Writer, response string) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	w.WriteString(response)
	w.Flush()
}

// Stop stops the listener gracefully.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("TCP listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"admitted", atomic.LoadUint64(&s.admitted),
		"refused", atomic.LoadUint64(&s.refused),
	)
}

// Metrics returns listener counters.
func (s *TCPServer) Metrics() TCPMetrics {
	return TCPMetrics{
		Connections: atomic.LoadUint64(&s.connections),
		Received:    atomic.LoadUint64(&s.received),
		Admitted:    atomic.LoadUint64(&s.admitted),
		Refused:     atomic.LoadUint64(&s.refused),
	}
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}
