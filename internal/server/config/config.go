// Package config defines the configuration structures for the relay and
// node binaries.
package config

import "time"

// RelayConfig is the root configuration for gatemesh-relay.
type RelayConfig struct {
	Relay    RelaySection    `koanf:"relay"`
	Domain   DomainSection   `koanf:"domain"`
	Storage  StorageSection  `koanf:"storage"`
	Identity IdentitySection `koanf:"identity"`
	Log      LogSection      `koanf:"log"`
}

// RelaySection configures the relay's listeners.
type RelaySection struct {
	// PublicAddress serves TLS clients.
	PublicAddress string `koanf:"public_address"`
	// PeerAddress serves node sessions.
	PeerAddress string `koanf:"peer_address"`
	// AdminAddress serves the operational API and metrics.
	AdminAddress string `koanf:"admin_address"`
	// HelloTimeout bounds ClientHello delivery.
	HelloTimeout time.Duration `koanf:"hello_timeout"`
	// RateLimit is public connections per second per IP (0 disables).
	RateLimit int `koanf:"rate_limit"`
}

// DomainSection configures hostname assignment and DNS challenges.
type DomainSection struct {
	// Suffix is the domain under which nodes are assigned hostnames.
	Suffix string `koanf:"suffix"`
	// Provider selects the DNS provider: cloudflare or memory.
	Provider string `koanf:"provider"`
	// Cloudflare holds provider credentials when Provider is cloudflare.
	Cloudflare CloudflareConfig `koanf:"cloudflare"`
}

// CloudflareConfig holds Cloudflare API access for one zone.
type CloudflareConfig struct {
	ZoneID   string `koanf:"zone_id"`
	APIToken string `koanf:"api_token"`
}

// StorageSection configures persistence.
type StorageSection struct {
	DataDir string `koanf:"data_dir"`
}

// IdentitySection configures the keypair location.
type IdentitySection struct {
	// Dir holds the identity key file; created on first start.
	Dir string `koanf:"dir"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NodeConfig is the root configuration for gatemesh-node.
type NodeConfig struct {
	Node     NodeSection     `koanf:"node"`
	TLS      TLSSection      `koanf:"tls"`
	Identity IdentitySection `koanf:"identity"`
	Log      LogSection      `koanf:"log"`
}

// NodeSection configures the node's relay connection and upstream.
type NodeSection struct {
	// RelayAddress is the relay's peer endpoint (host:port).
	RelayAddress string `koanf:"relay_address"`
	// RelayID optionally pins the relay's identity (hex). Empty trusts
	// whatever key the endpoint presents on first contact.
	RelayID string `koanf:"relay_id"`
	// UpstreamAddress is the local service TLS clients reach (host:port).
	UpstreamAddress string `koanf:"upstream_address"`
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration `koanf:"reconnect_min"`
	ReconnectMax time.Duration `koanf:"reconnect_max"`
	// ACMEHookAddress serves the local DNS-01 hook API for the ACME
	// client driving certificate issuance. Empty disables it.
	ACMEHookAddress string `koanf:"acme_hook_address"`
}

// TLSSection configures the node's serving certificate.
type TLSSection struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}
