package dap

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values mirror the upstream proxy's constants, preserved here so
// an empty or partial TOML file still produces a working proxy.
const (
	defaultUDPBufferSize          = 2048
	defaultUDPChannelCapacity     = 1024
	defaultUDPTimeoutSec          = 10
	defaultTCPListenBacklog       = 1024
	defaultMaxConnections         = 128
	defaultHTTPTimeoutSec         = 10
	defaultMinTTL                 = 10
	defaultEndpointResolutionMin  = 60
	defaultHealthcheckPeriodMin   = 10
	defaultMaxCacheSize           = 16384
	defaultHTTPUserAgent          = "doh-auth-proxy-go"
)

var (
	defaultListenAddresses = []string{"127.0.0.1:50053", "[::1]:50053"}
	defaultBootstrapDNS    = []string{"1.1.1.1:53"}
	defaultDoHTargetURL    = []string{"https://dns.google/dns-query"}
)

// Config is the root of the TOML configuration file (§6).
type Config struct {
	ListenAddresses          []string `toml:"listen_addresses"`
	BootstrapDNS             []string `toml:"bootstrap_dns"`
	EndpointResolutionPeriod int      `toml:"endpoint_resolution_period"` // minutes
	HealthcheckPeriod        int      `toml:"healthcheck_period"`         // minutes
	MaxCacheSize             int      `toml:"max_cache_size"`
	MaxConnections           int64    `toml:"max_connections"`
	UDPBufferSize            int      `toml:"udp_buffer_size"`
	UDPChannelCapacity       int      `toml:"udp_channel_capacity"`
	UDPTimeoutSec            int      `toml:"udp_timeout"`
	TCPListenBacklog         int      `toml:"tcp_listen_backlog"`
	HTTPTimeoutSec           int      `toml:"http_timeout"`
	HTTPUserAgent            string   `toml:"http_user_agent"`
	MinTTL                   uint32   `toml:"min_ttl"`
	UseGet                   bool     `toml:"use_get"`

	Target  TargetConfig  `toml:"target_config"`
	NextHop RelayConfig   `toml:"nexthop_relay_config"`
	SubSeq  RelayConfig   `toml:"subseq_relay_config"`

	QueryManipulation QueryManipulationConfig `toml:"query_manipulation_config"`
	Token             *TokenFileConfig        `toml:"token_config"`
}

// TargetConfig lists the final DoH/ODoH resolvers.
type TargetConfig struct {
	URLs      []string `toml:"url"`
	Randomize bool     `toml:"randomization"`
}

// RelayConfig lists relays eligible at one position in the chain
// (nexthop_relay_config or subseq_relay_config).
type RelayConfig struct {
	URLs         []string `toml:"url"`
	MaxMidRelays int      `toml:"max_mid_relays"`
	Randomize    bool     `toml:"randomization"`
}

// QueryManipulationConfig names the optional block/override lists, as
// file paths of newline-separated entries.
type QueryManipulationConfig struct {
	BlockFile    string `toml:"domain_block_file"`
	OverrideFile string `toml:"domain_override_file"`
}

// TokenFileConfig mirrors TokenConfig but is the on-disk shape: the
// token_config section of the main config file.
type TokenFileConfig struct {
	TokenEndpoint   string `toml:"token_endpoint"`
	RefreshEndpoint string `toml:"refresh_endpoint"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
}

// LoadConfig reads and parses a TOML config file, filling in defaults for
// anything left unset.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := toml.Decode(string(raw), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = defaultListenAddresses
	}
	if len(c.BootstrapDNS) == 0 {
		c.BootstrapDNS = defaultBootstrapDNS
	}
	if c.EndpointResolutionPeriod == 0 {
		c.EndpointResolutionPeriod = defaultEndpointResolutionMin
	}
	if c.HealthcheckPeriod == 0 {
		c.HealthcheckPeriod = defaultHealthcheckPeriodMin
	}
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = defaultMaxCacheSize
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.UDPBufferSize == 0 {
		c.UDPBufferSize = defaultUDPBufferSize
	}
	if c.UDPChannelCapacity == 0 {
		c.UDPChannelCapacity = defaultUDPChannelCapacity
	}
	if c.UDPTimeoutSec == 0 {
		c.UDPTimeoutSec = defaultUDPTimeoutSec
	}
	if c.TCPListenBacklog == 0 {
		c.TCPListenBacklog = defaultTCPListenBacklog
	}
	if c.HTTPTimeoutSec == 0 {
		c.HTTPTimeoutSec = defaultHTTPTimeoutSec
	}
	if c.HTTPUserAgent == "" {
		c.HTTPUserAgent = defaultHTTPUserAgent
	}
	if c.MinTTL == 0 {
		c.MinTTL = defaultMinTTL
	}
	if len(c.Target.URLs) == 0 {
		c.Target.URLs = defaultDoHTargetURL
	}
}

func (c *Config) endpointResolutionPeriod() time.Duration {
	return time.Duration(c.EndpointResolutionPeriod) * time.Minute
}

func (c *Config) healthcheckPeriod() time.Duration {
	return time.Duration(c.HealthcheckPeriod) * time.Minute
}

func (c *Config) udpTimeout() time.Duration {
	return time.Duration(c.UDPTimeoutSec) * time.Second
}

func (c *Config) httpTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}
