package dap

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"
)

// TCPServer is the TCP ingress (C9): RFC 1035 2-byte big-endian length
// framing, one goroutine per accepted connection, one query served per
// connection (the connection is closed after the response is written).
type TCPServer struct {
	listener       net.Listener
	client         *DoHClient
	counter        *ConnCounter
	maxConnections int64
	timeout        time.Duration
}

// NewTCPServer listens on addr. The accept backlog is left to the OS
// default: the standard library offers no portable way to size it, and
// the tcp_listen_backlog option is parsed but not applied.
func NewTCPServer(addr string, client *DoHClient, counter *ConnCounter, maxConnections int64, timeout time.Duration) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPServer{
		listener:       ln,
		client:         client,
		counter:        counter,
		maxConnections: maxConnections,
		timeout:        timeout,
	}, nil
}

// Run accepts connections until ctx is cancelled or the listener errors.
func (s *TCPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteIP := tcpRemoteIP(conn)
	if !s.counter.TryAdmit(CounterTCP, s.maxConnections) {
		Log.WithError(ErrTooManyConnections).WithField("client", remoteIP).Warn("refusing tcp connection")
		return
	}
	defer s.counter.Decrement(CounterTCP)

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	if msgLen == 0 {
		Log.WithError(ErrNullMessage).WithField("client", remoteIP).Warn("closing tcp connection")
		return
	}

	raw := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ci := ClientInfo{SourceIP: remoteIP, Protocol: "tcp"}
	resp, err := s.client.MakeQuery(qctx, raw, ci)
	if err != nil {
		logger(nil, ci).WithError(err).Warn("failed to serve tcp query")
		return
	}

	var outLen [2]byte
	binary.BigEndian.PutUint16(outLen[:], uint16(len(resp)))
	if _, err := conn.Write(outLen[:]); err != nil {
		return
	}
	if _, err := conn.Write(resp); err != nil {
		return
	}
}

func tcpRemoteIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}
