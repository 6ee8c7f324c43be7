package config

import (
	"errors"
	"os"
	"strings"
)

// VerifyRelay validates the relay configuration.
func VerifyRelay(cfg *RelayConfig) error {
	if cfg.Relay.PublicAddress == "" {
		return errors.New("relay.public_address is required")
	}
	if cfg.Relay.PeerAddress == "" {
		return errors.New("relay.peer_address is required")
	}
	if cfg.Domain.Suffix == "" {
		return errors.New("domain.suffix is required")
	}
	if strings.Contains(cfg.Domain.Suffix, "://") {
		return errors.New("domain.suffix must be a bare domain, not a URL")
	}

	switch cfg.Domain.Provider {
	case "memory":
	case "cloudflare":
		if cfg.Domain.Cloudflare.ZoneID == "" {
			return errors.New("domain.cloudflare.zone_id is required for the cloudflare provider")
		}
		if cfg.Domain.Cloudflare.APIToken == "" {
			return errors.New("domain.cloudflare.api_token is required for the cloudflare provider")
		}
	default:
		return errors.New("domain.provider must be cloudflare or memory")
	}

	if cfg.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return errors.New("cannot create data directory: " + err.Error())
	}
	if err := os.MkdirAll(cfg.Identity.Dir, 0o700); err != nil {
		return errors.New("cannot create identity directory: " + err.Error())
	}
	return nil
}

// VerifyNode validates the node configuration.
func VerifyNode(cfg *NodeConfig) error {
	if cfg.Node.RelayAddress == "" {
		return errors.New("node.relay_address is required")
	}
	if cfg.Node.UpstreamAddress == "" {
		return errors.New("node.upstream_address is required")
	}
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file are required")
	}
	if cfg.Node.ReconnectMin <= 0 || cfg.Node.ReconnectMax < cfg.Node.ReconnectMin {
		return errors.New("node.reconnect_min/max must be positive and ordered")
	}
	if err := os.MkdirAll(cfg.Identity.Dir, 0o700); err != nil {
		return errors.New("cannot create identity directory: " + err.Error())
	}
	return nil
}
