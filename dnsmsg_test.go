package dap

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	q := QueryA("example.com.")
	raw, err := Encode(q)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, q.Id, decoded.Id)
	require.Equal(t, "example.com.", decoded.Question[0].Name)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestFingerprintDistinguishesQueryType(t *testing.T) {
	a := QueryA("example.com.")
	b := new(dns.Msg)
	b.SetQuestion("example.com.", dns.TypeAAAA)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	require.NotEqual(t, fa, fb)
}

func TestFingerprintNoQuestion(t *testing.T) {
	msg := new(dns.Msg)
	_, err := Fingerprint(msg)
	require.ErrorIs(t, err, ErrNoQuestion)
}

func TestResponseWithIPAddrChoosesRRType(t *testing.T) {
	q := QueryA("example.com.")

	v4 := ResponseWithIPAddr(q, net.ParseIP("192.0.2.1"), 30)
	require.IsType(t, &dns.A{}, v4.Answer[0])

	v6 := ResponseWithIPAddr(q, net.ParseIP("2001:db8::1"), 30)
	require.IsType(t, &dns.AAAA{}, v6.Answer[0])
}

func TestMinTTLSkipsOPT(t *testing.T) {
	msg := QueryA("example.com.")
	msg.Answer = append(msg.Answer,
		&dns.A{Hdr: dns.RR_Header{Ttl: 300}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 60}},
	)
	msg.Extra = append(msg.Extra, new(dns.OPT))

	min, ok := minTTL(msg)
	require.True(t, ok)
	require.EqualValues(t, 60, min)
}

func TestBlockedResponseIsRefusedOrNXWithHINFO(t *testing.T) {
	q := QueryA("blocked.example.")
	resp := blockedResponse(q, dns.RcodeNameError)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	hinfo, ok := resp.Answer[0].(*dns.HINFO)
	require.True(t, ok)
	require.Equal(t, blockMessageHINFOCPU, hinfo.Cpu)
	require.Equal(t, blockMessageHINFOOS, hinfo.Os)
}
