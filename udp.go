package dap

import (
	"context"
	"net"
	"time"
)

// defaultUDPBufferSize/defaultUDPChannelCapacity (config.go) are used when
// a caller passes a non-positive size; the package no longer hardcodes
// fixed constants for these, since udp_buffer_size/udp_channel_capacity are
// both live config knobs (§6).

// udpResponse is one outbound datagram queued for the dedicated responder
// goroutine, keeping socket writes single-threaded even though queries are
// served concurrently.
type udpResponse struct {
	addr *net.UDPAddr
	data []byte
}

// UDPServer is the UDP ingress (C9). Every datagram is handled on its own
// goroutine once admitted; a single responder goroutine owns the socket
// write side so concurrent workers never race on WriteToUDP.
type UDPServer struct {
	conn           *net.UDPConn
	client         *DoHClient
	counter        *ConnCounter
	maxConnections int64

	// queryTimeout bounds make_query (http_timeout + 1s of slack);
	// readTimeout bounds the blocking socket read (udp_timeout).
	queryTimeout time.Duration
	readTimeout  time.Duration

	bufferSize int
	responses  chan udpResponse
}

// NewUDPServer listens on addr and returns a ready, unstarted server.
// bufferSize and channelCapacity come straight from cfg.UDPBufferSize and
// cfg.UDPChannelCapacity; a non-positive value falls back to the package
// default so a zero-value Config in tests still works.
func NewUDPServer(addr string, client *DoHClient, counter *ConnCounter, maxConnections int64, queryTimeout, readTimeout time.Duration, bufferSize, channelCapacity int) (*UDPServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = defaultUDPBufferSize
	}
	if channelCapacity <= 0 {
		channelCapacity = defaultUDPChannelCapacity
	}
	return &UDPServer{
		conn:           conn,
		client:         client,
		counter:        counter,
		maxConnections: maxConnections,
		queryTimeout:   queryTimeout,
		readTimeout:    readTimeout,
		bufferSize:     bufferSize,
		responses:      make(chan udpResponse, channelCapacity),
	}, nil
}

// Run reads datagrams until ctx is cancelled or the socket errors. Each
// read is bounded by readTimeout (udp_timeout): on expiry Run just loops
// back to check ctx before reading again, so cancellation is noticed
// promptly even on an idle socket. Each datagram is then handled on its
// own goroutine after an admission check; the response (if any) is queued
// to the single responder goroutine rather than written directly, since
// net.UDPConn.WriteToUDP is not required to be safe for unsynchronised
// concurrent callers across platforms.
func (s *UDPServer) Run(ctx context.Context) error {
	go s.respond(ctx)

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, s.bufferSize)
	for {
		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return err
			}
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		go s.handle(ctx, raw, addr)
	}
}

func (s *UDPServer) handle(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	if !s.counter.TryAdmit(CounterUDP, s.maxConnections) {
		Log.WithError(ErrTooManyConnections).WithField("client", addr.IP).Warn("refusing udp query")
		return
	}
	defer s.counter.Decrement(CounterUDP)

	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ci := ClientInfo{SourceIP: addr.IP, Protocol: "udp"}
	resp, err := s.client.MakeQuery(qctx, raw, ci)
	if err != nil {
		logger(nil, ci).WithError(err).Warn("failed to serve udp query")
		return
	}

	select {
	case s.responses <- udpResponse{addr: addr, data: resp}:
	default:
		logger(nil, ci).Warn("udp response channel full, dropping response")
	}
}

func (s *UDPServer) respond(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.responses:
			if _, err := s.conn.WriteToUDP(r.data, r.addr); err != nil {
				Log.WithError(err).Warn("failed to write udp response")
			}
		}
	}
}
