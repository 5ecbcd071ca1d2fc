package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"hostguard/internal/bus"
)

// Common errors for the DTLS listener.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSConfig holds configuration for the DTLS listener.
type DTLSConfig struct {
	Address string `yaml:"address"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile enables client certificate validation when RequireClientCert
	// is set.
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	Workers           int           `yaml:"workers"`
	MaxDatagramSize   int           `yaml:"max_datagram_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// AllowInsecure allows fallback to plain UDP (NOT RECOMMENDED).
	AllowInsecure bool `yaml:"allow_insecure"`
}

// DefaultDTLSConfig returns secure default configuration.
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{
		Address:           ":5516",
		Workers:           8,
		MaxDatagramSize:   65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// DTLSMetrics holds counters for the DTLS listener.
type DTLSMetrics struct {
	Connections   uint64
	Handshakes    uint64
	HandshakeErrs uint64
	Received      uint64
	Admitted      uint64
	Refused       uint64
	Dropped       uint64
}

type datagram struct {
	data     []byte
	sourceIP string
}

// DTLSServer receives one JSON event per datagram over DTLS. Unlike the
// TCP listener there is no per-event reply; producers needing admission
// acknowledgements should use TCP.
type DTLSServer struct {
	cfg      DTLSConfig
	bus      *bus.Bus
	logger   *slog.Logger
	listener net.Listener
	udpConn  *net.UDPConn

	wg   sync.WaitGroup
	done chan struct{}

	connections   uint64
	handshakes    uint64
	handshakeErrs uint64
	received      uint64
	admitted      uint64
	refused       uint64
	dropped       uint64
}

// NewDTLSServer creates a DTLS ingestion server.
func NewDTLSServer(cfg DTLSConfig, b *bus.Bus, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	return &DTLSServer{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start starts the DTLS listener.
func (s *DTLSServer) Start(ctx context.Context) error {
	if s.cfg.AllowInsecure && (s.cfg.CertFile == "" || s.cfg.KeyFile == "") {
		return s.startInsecure(ctx)
	}
	return s.startSecure(ctx)
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		},
	}

	if s.cfg.RequireClientCert {
		caData, err := os.ReadFile(s.cfg.CAFile)
		if err != nil {
			return fmt.Errorf("load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("DTLS listener started",
		"address", s.cfg.Address,
		"mutual_tls", s.cfg.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSServer) startInsecure(ctx context.Context) error {
	s.logger.Warn("SECURITY WARNING: starting UDP listener WITHOUT encryption",
		"address", s.cfg.Address,
	)

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("start UDP listener: %w", err)
	}
	s.udpConn = conn

	messages := make(chan datagram, s.cfg.Workers*100)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, messages)
	}

	s.wg.Add(1)
	go s.insecureReceiver(messages)
	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	messages := make(chan datagram, s.cfg.Workers*100)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, messages)
	}

	for {
		select {
		case <-ctx.Done():
			close(messages)
			return
		case <-s.done:
			close(messages)
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
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
				s.logger.Debug("DTLS accept error", "error", err)
				atomic.AddUint64(&s.handshakeErrs, 1)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		atomic.AddUint64(&s.handshakes, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn, messages)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn, messages chan<- datagram) {
	defer s.wg.Done()
	defer conn.Close()

	sourceIP := conn.RemoteAddr().String()
	if udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		sourceIP = udpAddr.IP.String()
	}

	buffer := make([]byte, s.cfg.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			s.logger.Debug("DTLS read error", "error", err, "remote", sourceIP)
			return
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- datagram{data: data, sourceIP: sourceIP}:
		default:
			atomic.AddUint64(&s.dropped, 1)
			s.logger.Debug("datagram channel full, dropping")
		}
	}
}

func (s *DTLSServer) insecureReceiver(messages chan<- datagram) {
	defer s.wg.Done()
	defer close(messages)

	buffer := make([]byte, s.cfg.MaxDatagramSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, remoteAddr, err := s.udpConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("UDP read error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- datagram{data: data, sourceIP: remoteAddr.IP.String()}:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func (s *DTLSServer) worker(ctx context.Context, messages <-chan datagram) {
	defer s.wg.Done()

	for msg := range messages {
		if _, err := s.bus.Ingest(ctx, msg.data, msg.sourceIP); err != nil {
			atomic.AddUint64(&s.refused, 1)
			continue
		}
		atomic.AddUint64(&s.admitted, 1)
	}
}

// Stop stops the listener gracefully.
func (s *DTLSServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
	s.logger.Info("DTLS listener stopped",
		"received", atomic.LoadUint64(&s.received),
		"admitted", atomic.LoadUint64(&s.admitted),
		"refused", atomic.LoadUint64(&s.refused),
	)
}

// Metrics returns listener counters.
func (s *DTLSServer) Metrics() DTLSMetrics {
	return DTLSMetrics{
		Connections:   atomic.LoadUint64(&s.connections),
		Handshakes:    atomic.LoadUint64(&s.handshakes),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Received:      atomic.LoadUint64(&s.received),
		Admitted:      atomic.LoadUint64(&s.admitted),
		Refused:       atomic.LoadUint64(&s.refused),
		Dropped:       atomic.LoadUint64(&s.dropped),
	}
}
