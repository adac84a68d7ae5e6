package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/peerline/internal/proto"
	"github.com/petervdpas/peerline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Profile  Profile  `json:"profile"`
	Call     Call     `json:"call"`
	Bridge   Bridge   `json:"bridge"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Profile struct {
	Label         string `json:"label"`
	VideoDisabled bool   `json:"video_disabled"` // Advertise that this peer takes no video calls
}

// Call holds the call coordinator policy. RingingTimeoutSec and
// GateOnTransport can be changed at runtime via the config watcher.
type Call struct {
	// Seconds an unanswered outgoing call rings before auto-cancel. 0 = default.
	RingingTimeoutSec int `json:"ringing_timeout_seconds"`

	// When true, an answered call stays "connecting" until the transport
	// reports connected. Default false: flip to connected as soon as the
	// answer is exchanged, since the signaling round-trip already proves
	// mutual consent.
	GateOnTransport bool `json:"gate_on_transport"`

	// STUN server URLs for ICE. Empty = Google's public STUN.
	STUNServers []string `json:"stun_servers"`
}

// Bridge configures the local websocket control surface for UI frontends.
type Bridge struct {
	// Listen address, e.g. "127.0.0.1:8590". Empty disables the bridge.
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Presence: Presence{
			Topic:        proto.PresenceTopic,
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Profile: Profile{
			Label: "anonymous",
		},
		Call: Call{
			RingingTimeoutSec: 60,
			GateOnTransport:   false,
			STUNServers:       []string{"stun:stun.l.google.com:19302"},
		},
		Bridge: Bridge{
			Addr: "127.0.0.1:8590",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Call
	if c.Call.RingingTimeoutSec < 0 {
		return errors.New("call.ringing_timeout_seconds must be >= 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
