// Package config holds the relay configuration: a YAML file, overridden by
// DEPTHRELAY_* environment variables, overridden in turn by CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/depthrelay/internal/codec"
	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/protocol"
)

// Role represents the chosen role (relay or viewer).
type Role string

const (
	RoleRelay  Role = "relay"
	RoleViewer Role = "viewer"
)

// Device session kinds.
const (
	DeviceSynthetic = "synthetic"
	DeviceShm       = "shm"
)

// Config is the complete configuration.
type Config struct {
	Role      Role                         `yaml:"role"`
	Signaling SignalingConfig              `yaml:"signaling"`
	Wire      string                       `yaml:"wire"` // json | msgpack
	Codec     map[frame.Kind]codec.Options `yaml:"codec"`
	Device    DeviceConfig                 `yaml:"device"`
	Tunnel    TunnelConfig                 `yaml:"tunnel"`
	MQTT      MQTTConfig                   `yaml:"mqtt"`
	Viewer    ViewerConfig                 `yaml:"viewer"`
	Log       LogConfig                    `yaml:"log"`
}

// SignalingConfig configures the WebSocket signaling endpoint.
type SignalingConfig struct {
	Listen     string   `yaml:"listen"` // host:port; port 0 picks a free one
	PIN        string   `yaml:"pin"`    // generated when empty
	ICEServers []string `yaml:"ice_servers"`
}

// DeviceConfig selects and sizes the device session.
type DeviceConfig struct {
	Kind    string `yaml:"kind"` // synthetic | shm
	ShmPath string `yaml:"shm_path"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
}

// TunnelConfig configures public exposure through a relay server.
type TunnelConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RelayURL       string        `yaml:"relay_url"`
	Token          string        `yaml:"token"`
	Protocol       string        `yaml:"protocol"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// MQTTConfig enables feed/status notifications. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ViewerConfig configures the viewer role.
type ViewerConfig struct {
	WSURL string       `yaml:"ws_url"`
	Feed  string       `yaml:"feed"`  // single feed name, or empty with Multi
	Multi []frame.Kind `yaml:"multi"` // modalities for a multi feed
}

// LogConfig configures logging.
type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Role: RoleRelay,
		Signaling: SignalingConfig{
			Listen: "0.0.0.0:0",
		},
		Wire: protocol.WireJSON,
		Device: DeviceConfig{
			Kind:   DeviceSynthetic,
			Width:  512,
			Height: 424,
			FPS:    30,
		},
		Tunnel: TunnelConfig{
			Protocol:       "http",
			HealthInterval: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "depthrelay",
			TopicPrefix: "depthrelay",
		},
		Viewer: ViewerConfig{
			Feed: string(frame.Depth),
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Role = Role(getEnv("DEPTHRELAY_ROLE", string(c.Role)))
	c.Signaling.Listen = getEnv("DEPTHRELAY_LISTEN", c.Signaling.Listen)
	c.Signaling.PIN = getEnv("DEPTHRELAY_PIN", c.Signaling.PIN)
	if v := os.Getenv("DEPTHRELAY_ICE_SERVERS"); v != "" {
		c.Signaling.ICEServers = splitList(v)
	}
	c.Wire = getEnv("DEPTHRELAY_WIRE", c.Wire)

	c.Device.Kind = getEnv("DEPTHRELAY_DEVICE", c.Device.Kind)
	c.Device.ShmPath = getEnv("DEPTHRELAY_SHM_PATH", c.Device.ShmPath)

	c.Tunnel.RelayURL = getEnv("DEPTHRELAY_TUNNEL_URL", c.Tunnel.RelayURL)
	c.Tunnel.Token = getEnv("DEPTHRELAY_TUNNEL_TOKEN", c.Tunnel.Token)
	if v := os.Getenv("DEPTHRELAY_TUNNEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEPTHRELAY_TUNNEL: %w", err)
		}
		c.Tunnel.Enabled = b
	}

	c.MQTT.Broker = getEnv("DEPTHRELAY_MQTT_BROKER", c.MQTT.Broker)
	c.Viewer.WSURL = getEnv("DEPTHRELAY_WS_URL", c.Viewer.WSURL)

	if v := os.Getenv("DEPTHRELAY_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEPTHRELAY_DEBUG: %w", err)
		}
		c.Log.Debug = b
	}
	return nil
}

// Validate checks the configuration for the selected role.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleRelay, RoleViewer:
	default:
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleRelay, RoleViewer, c.Role))
	}

	if _, err := protocol.NewWireCodec(c.Wire); err != nil {
		errs = append(errs, err)
	}

	if c.Role == RoleViewer {
		if c.Viewer.WSURL == "" {
			errs = append(errs, errors.New("viewer.ws_url is required"))
		}
		if len(c.Viewer.Multi) > 0 {
			if _, err := frame.FlagsOf(c.Viewer.Multi...); err != nil {
				errs = append(errs, fmt.Errorf("viewer.multi: %w", err))
			}
		} else if k := frame.Kind(c.Viewer.Feed); !k.IsStreamable() {
			errs = append(errs, fmt.Errorf("viewer.feed: unknown feed %q", c.Viewer.Feed))
		}
		return errors.Join(errs...)
	}

	switch c.Device.Kind {
	case DeviceSynthetic:
	case DeviceShm:
		if c.Device.ShmPath == "" {
			errs = append(errs, errors.New("device.shm_path is required for the shm device"))
		}
	default:
		errs = append(errs, fmt.Errorf("device.kind must be %q or %q, got %q", DeviceSynthetic, DeviceShm, c.Device.Kind))
	}
	if c.Device.FPS < 0 || c.Device.Width < 0 || c.Device.Height < 0 {
		errs = append(errs, errors.New("device size and fps must not be negative"))
	}

	for k, o := range c.Codec {
		if !k.IsImage() && k != frame.RawDepth {
			errs = append(errs, fmt.Errorf("codec.%s: not an image modality", k))
			continue
		}
		if o.Format != "" && o.Format != codec.JPEG && o.Format != codec.PNG {
			errs = append(errs, fmt.Errorf("codec.%s.format: %q", k, o.Format))
		}
		if o.Quality < 0 || o.Quality > 100 {
			errs = append(errs, fmt.Errorf("codec.%s.quality: %d out of range", k, o.Quality))
		}
		if o.Scale < 0 || o.Scale > 1 {
			errs = append(errs, fmt.Errorf("codec.%s.scale: %g out of range", k, o.Scale))
		}
	}

	if c.Tunnel.Enabled {
		if c.Tunnel.RelayURL == "" {
			errs = append(errs, errors.New("tunnel.relay_url is required when the tunnel is enabled"))
		}
		if c.Tunnel.Protocol != "" && c.Tunnel.Protocol != "http" {
			errs = append(errs, fmt.Errorf("tunnel.protocol: only http is supported, got %q", c.Tunnel.Protocol))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
