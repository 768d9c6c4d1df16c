package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the lanmeet server
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Rooms configuration
	Rooms RoomsConfig `json:"rooms" yaml:"rooms"`

	// Media relay configuration
	Media MediaConfig `json:"media" yaml:"media"`

	// File transfer configuration
	Transfer TransferConfig `json:"transfer" yaml:"transfer"`

	// Presenter relay configuration
	Presenter PresenterConfig `json:"presenter" yaml:"presenter"`

	// Storage configuration for shared files
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds control-server configuration
type ServerConfig struct {
	// Host is the address the control listener binds to
	Host string `json:"host" yaml:"host"`

	// Port is the control TCP port
	Port int `json:"port" yaml:"port"`

	// WebSocketPort is the port for the browser bridge (0 disables it)
	WebSocketPort int `json:"websocket_port" yaml:"websocket_port"`

	// MaxFrameSize is the largest accepted control frame in bytes
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size"`

	// HeartbeatTimeout is the maximum allowed gap since a connection's last heartbeat
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// SweepInterval is how often the liveness sweep runs
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// WriteTimeout is the per-message write deadline on control connections
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// PortRangeStart is the first ephemeral port handed to transfers and presentations
	PortRangeStart int `json:"port_range_start" yaml:"port_range_start"`

	// PortRangeEnd is the last ephemeral port handed to transfers and presentations
	PortRangeEnd int `json:"port_range_end" yaml:"port_range_end"`

	// HostMode registers a colocated participant for the server process itself
	HostMode bool `json:"host_mode" yaml:"host_mode"`

	// HostDisplayName is the display name used in host mode
	HostDisplayName string `json:"host_display_name" yaml:"host_display_name"`

	// DevMode enables development mode
	DevMode bool `json:"dev_mode" yaml:"dev_mode"`
}

// RoomsConfig holds room-registry configuration
type RoomsConfig struct {
	// DefaultMaxParticipants applies when a create request does not set a limit
	DefaultMaxParticipants int `json:"default_max_participants" yaml:"default_max_participants"`

	// ChatHistoryLimit bounds per-room chat history; oldest entries are evicted
	ChatHistoryLimit int `json:"chat_history_limit" yaml:"chat_history_limit"`

	// EmptyGracePeriod is how long an empty room survives before the sweep removes it
	EmptyGracePeriod time.Duration `json:"empty_grace_period" yaml:"empty_grace_period"`

	// SweepInterval is how often the idle-room sweep runs
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// MediaConfig holds UDP media-relay configuration
type MediaConfig struct {
	// Host is the address the UDP sockets bind to
	Host string `json:"host" yaml:"host"`

	// VideoPort is the UDP port for video datagrams
	VideoPort int `json:"video_port" yaml:"video_port"`

	// AudioPort is the UDP port for audio datagrams
	AudioPort int `json:"audio_port" yaml:"audio_port"`

	// MaxDatagramSize is the largest accepted media datagram in bytes
	MaxDatagramSize int `json:"max_datagram_size" yaml:"max_datagram_size"`
}

// TransferConfig holds file-transfer configuration
type TransferConfig struct {
	// ChunkSize is the fixed read/write chunk for transfer sockets
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// ListenerTTL bounds the lifetime of each ephemeral transfer listener
	ListenerTTL time.Duration `json:"listener_ttl" yaml:"listener_ttl"`

	// IOTimeout is the per-chunk read/write deadline on transfer sockets
	IOTimeout time.Duration `json:"io_timeout" yaml:"io_timeout"`

	// MaxFileSize is the largest accepted upload in bytes (0 = unlimited)
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`
}

// PresenterConfig holds presenter-relay configuration
type PresenterConfig struct {
	// MaxFrameSize is the largest accepted screen frame in bytes
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size"`

	// ViewerWriteTimeout drops a viewer whose write blocks past this deadline
	ViewerWriteTimeout time.Duration `json:"viewer_write_timeout" yaml:"viewer_write_timeout"`

	// AcceptTTL bounds how long the presenter listener waits for the presenter to connect
	AcceptTTL time.Duration `json:"accept_ttl" yaml:"accept_ttl"`
}

// StorageConfig holds shared-file storage configuration
type StorageConfig struct {
	// Type is the storage backend type (local, s3)
	Type string `json:"type" yaml:"type"`

	// BasePath is the base path for local storage
	BasePath string `json:"base_path" yaml:"base_path"`

	// S3 configuration
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible storage configuration
type S3Config struct {
	// Endpoint is the S3 endpoint URL (empty for AWS)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKeyID is the S3 access key
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the log format (text, json)
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a configuration with the reference defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             9500,
			WebSocketPort:    9501,
			MaxFrameSize:     1 << 20, // 1 MiB
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    10 * time.Second,
			WriteTimeout:     10 * time.Second,
			PortRangeStart:   9600,
			PortRangeEnd:     9999,
			HostDisplayName:  "host",
		},
		Rooms: RoomsConfig{
			DefaultMaxParticipants: 16,
			ChatHistoryLimit:       500,
			EmptyGracePeriod:       5 * time.Minute,
			SweepInterval:          30 * time.Second,
		},
		Media: MediaConfig{
			Host:            "0.0.0.0",
			VideoPort:       9502,
			AudioPort:       9503,
			MaxDatagramSize: 64 * 1024,
		},
		Transfer: TransferConfig{
			ChunkSize:   64 * 1024,
			ListenerTTL: 5 * time.Minute,
			IOTimeout:   30 * time.Second,
			MaxFileSize: 0,
		},
		Presenter: PresenterConfig{
			MaxFrameSize:       8 << 20, // 8 MiB
			ViewerWriteTimeout: 2 * time.Second,
			AcceptTTL:          5 * time.Minute,
		},
		Storage: StorageConfig{
			Type:     "local",
			BasePath: "./shared-files",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a yaml config file, filling unset values from DefaultConfig
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Media.VideoPort <= 0 || c.Media.VideoPort > 65535 {
		return fmt.Errorf("invalid media video port: %d", c.Media.VideoPort)
	}

	if c.Media.AudioPort <= 0 || c.Media.AudioPort > 65535 {
		return fmt.Errorf("invalid media audio port: %d", c.Media.AudioPort)
	}

	if c.Server.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}

	if c.Server.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}

	if c.Server.PortRangeStart <= 0 || c.Server.PortRangeEnd < c.Server.PortRangeStart {
		return fmt.Errorf("invalid ephemeral port range: %d-%d", c.Server.PortRangeStart, c.Server.PortRangeEnd)
	}

	if c.Rooms.ChatHistoryLimit <= 0 {
		return fmt.Errorf("chat_history_limit must be positive")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer chunk_size must be positive")
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.BasePath == "" {
			return fmt.Errorf("storage base_path is required for local storage")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	return nil
}
