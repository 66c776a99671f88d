package dap

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const queryLogChannelSize = 1024

// QueryLogRecord is one query-log entry, queued by the DoH client and
// decoded/emitted by the QueryLogger's consumer goroutine.
type QueryLogRecord struct {
	RawPacket    []byte
	Protocol     string
	SrcIP        net.IP
	ResponseType ManipulationResult
	DstURL       string
	Elapsed      time.Duration
}

// QueryLogger is a bounded, async, structured query log (C10). Producers
// never block: a record is dropped if the channel is full.
type QueryLogger struct {
	ch chan QueryLogRecord
}

// NewQueryLogger starts the consumer goroutine and returns a ready
// logger. The consumer drains until ctx is cancelled and the channel is
// empty.
func NewQueryLogger(ctx context.Context) *QueryLogger {
	q := &QueryLogger{ch: make(chan QueryLogRecord, queryLogChannelSize)}
	go q.consume(ctx)
	return q
}

// Log enqueues a record, dropping it with a warning if the channel is full
// (backpressure policy: never stall the query path for logging).
func (q *QueryLogger) Log(rec QueryLogRecord) {
	select {
	case q.ch <- rec:
	default:
		Log.Warn("query log channel full, dropping record")
	}
}

func (q *QueryLogger) consume(ctx context.Context) {
	for {
		select {
		case rec := <-q.ch:
			q.emit(rec)
		case <-ctx.Done():
			// Drain whatever is left, then exit.
			for {
				select {
				case rec := <-q.ch:
					q.emit(rec)
				default:
					return
				}
			}
		}
	}
}

func (q *QueryLogger) emit(rec QueryLogRecord) {
	fields := logrus.Fields{
		"src":            rec.SrcIP.String(),
		"proto":          rec.Protocol,
		"response_type":  rec.ResponseType.String(),
		"dst":            rec.DstURL,
		"elapsed_micros": rec.Elapsed.Microseconds(),
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(rec.RawPacket); err == nil && len(msg.Question) > 0 {
		fields["qname"] = msg.Question[0].Name
		fields["qtype"] = dns.Type(msg.Question[0].Qtype).String()
		fields["qclass"] = dns.Class(msg.Question[0].Qclass).String()
		fields["rcode"] = dns.RcodeToString[msg.Rcode]
		fields["id"] = msg.Id
	}

	Log.WithFields(fields).Info("query")
}
