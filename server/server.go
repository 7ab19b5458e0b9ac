package server

import (
	"context"
	"errors"
	"log"
	"net"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const minBufferSize = 65536

// Server is the echo half of client mode: a UDP read-modify-write loop
// that returns every datagram to its sender unchanged.
type Server struct {
	port       int
	ipv6       bool
	packetSize int

	log         *log.Logger
	debugLogger logr.Logger

	conn *net.UDPConn
}

func New(port, packetSize int, ipv6 bool, logger *log.Logger, debugLogger logr.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		port:        port,
		ipv6:        ipv6,
		packetSize:  packetSize,
		log:         logger,
		debugLogger: debugLogger,
	}
}

// Listen binds the UDP socket. Split from Serve so callers can learn the
// bound address before traffic flows.
func (s *Server) Listen() error {
	network := "udp4"
	if s.ipv6 {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{Port: s.port})
	if err != nil {
		return err
	}
	s.conn = conn
	s.log.Printf("listening on UDP %s", conn.LocalAddr())
	return nil
}

// Addr reports the bound address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve echoes datagrams until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		return s.echoLoop()
	})
	return g.Wait()
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) echoLoop() error {
	bufSize := s.packetSize
	if bufSize < minBufferSize {
		bufSize = minBufferSize
	}
	buf := make([]byte, bufSize)

	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.debugLogger.V(4).Info("echo", "bytes", n, "peer", raddr.String())
		if _, err := s.conn.WriteToUDP(buf[:n], raddr); err != nil {
			s.log.Printf("echo to %s failed: %v", raddr, err)
		}
	}
}
