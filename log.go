package dap

import (
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Log is the package-level logger used throughout the proxy. Callers may
// swap it for a differently configured logrus.Logger (e.g. JSON output,
// a different level) before starting the proxy.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.InfoLevel)
}

// logger returns a log entry pre-populated with the client and query
// fields common to most per-query log lines.
func logger(q *dns.Msg, ci ClientInfo) *logrus.Entry {
	fields := logrus.Fields{
		"client":   ci.SourceIP,
		"protocol": ci.Protocol,
	}
	if q != nil && len(q.Question) > 0 {
		fields["qname"] = q.Question[0].Name
		fields["qtype"] = dns.Type(q.Question[0].Qtype).String()
	}
	return Log.WithFields(fields)
}

// ClientInfo carries metadata about the client that sent a query, used for
// logging and, in the future, client-based policy decisions.
type ClientInfo struct {
	SourceIP net.IP
	Protocol string // "udp" or "tcp"
}
