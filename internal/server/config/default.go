package config

import "time"

// Default configuration values.
const (
	DefaultPublicAddress = ":443"
	DefaultPeerAddress   = ":7443"
	DefaultAdminAddress  = "127.0.0.1:7081"
	DefaultHelloTimeout  = 10 * time.Second
	DefaultRateLimit     = 100

	DefaultDataDir     = "/var/lib/gatemesh/data"
	DefaultIdentityDir = "/var/lib/gatemesh/identity"

	DefaultUpstreamAddress = "127.0.0.1:8080"
	DefaultReconnectMin    = time.Second
	DefaultReconnectMax    = time.Minute
	DefaultACMEHookAddress = "127.0.0.1:7082"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultRelay returns the default relay configuration.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		Relay: RelaySection{
			PublicAddress: DefaultPublicAddress,
			PeerAddress:   DefaultPeerAddress,
			AdminAddress:  DefaultAdminAddress,
			HelloTimeout:  DefaultHelloTimeout,
			RateLimit:     DefaultRateLimit,
		},
		Domain: DomainSection{
			Provider: "memory",
		},
		Storage: StorageSection{
			DataDir: DefaultDataDir,
		},
		Identity: IdentitySection{
			Dir: DefaultIdentityDir,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// DefaultNode returns the default node configuration.
func DefaultNode() *NodeConfig {
	return &NodeConfig{
		Node: NodeSection{
			UpstreamAddress: DefaultUpstreamAddress,
			ReconnectMin:    DefaultReconnectMin,
			ReconnectMax:    DefaultReconnectMax,
			ACMEHookAddress: DefaultACMEHookAddress,
		},
		Identity: IdentitySection{
			Dir: DefaultIdentityDir,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
