/*
Package dap implements a local stub DNS resolver that forwards incoming
plain UDP/TCP DNS queries to upstream resolvers as encrypted HTTPS
requests: DNS-over-HTTPS (DoH), Oblivious DoH (ODoH), or multi-relay
Oblivious DoH.

A Proxy wires together the components that make up one running
instance: a PathManager holding the precomputed set of forwarding paths,
an HTTPClientPool that dials upstream endpoints at addresses it
re-resolves periodically through the proxy itself (a host not yet
resolved that way is dialed through the system resolver), an
ODoHConfigStore that keeps each
target's HPKE config fresh, an optional Authenticator carrying a bearer
token, a Pipeline of query manipulation rules (default-host handling,
blocking, overriding), a response Cache, and a HealthService that probes
every path and marks it healthy or not.

	cfg, err := dap.LoadConfig("config.toml")
	if err != nil {
		log.Fatal(err)
	}
	proxy, err := dap.NewProxy(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(proxy.Run(context.Background()))
*/
package dap
