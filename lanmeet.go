// Package lanmeet embeds the LAN meeting server in another process: the
// control plane, media relay, file transfer and presenter relay behind one
// lifecycle. The cmd binary is a thin wrapper around this.
package lanmeet

import (
	"sync"

	"github.com/aminofox/lanmeet/pkg/api"
	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/server"
)

// Meeting is an embedded meeting server instance
type Meeting struct {
	config *config.Config
	logger logger.Logger

	control *server.Server
	bridge  *api.Bridge

	mu        sync.Mutex
	isRunning bool
}

// New creates a meeting server from the given configuration. A nil config
// uses the defaults.
func New(cfg *config.Config) (*Meeting, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logLevel := logger.ParseLevel(cfg.Logging.Level)
	log := logger.NewDefaultLogger(logLevel, cfg.Logging.Format)

	ctrl, err := server.New(*cfg, log)
	if err != nil {
		return nil, err
	}

	m := &Meeting{
		config:  cfg,
		logger:  log,
		control: ctrl,
	}
	if cfg.Server.WebSocketPort > 0 {
		m.bridge = api.NewBridge(ctrl, log)
	}
	return m, nil
}

// Start binds the control, media and websocket listeners
func (m *Meeting) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return errors.New(errors.ErrCodeUnknown, "meeting server is already running")
	}

	if err := m.control.Start(); err != nil {
		return err
	}
	if m.bridge != nil {
		if err := m.bridge.Start(m.config.Server.Host, m.config.Server.WebSocketPort); err != nil {
			m.control.Stop()
			return err
		}
	}

	m.isRunning = true
	m.logger.Info("Meeting server started")
	return nil
}

// Stop shuts everything down
func (m *Meeting) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return errors.New(errors.ErrCodeUnknown, "meeting server is not running")
	}

	if m.bridge != nil {
		m.bridge.Stop()
	}
	m.control.Stop()

	m.isRunning = false
	m.logger.Info("Meeting server stopped")
	return nil
}

// IsRunning reports whether the server is started
func (m *Meeting) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// Server exposes the control server, for tests and embedders
func (m *Meeting) Server() *server.Server {
	return m.control
}

// Config returns the active configuration
func (m *Meeting) Config() *config.Config {
	return m.config
}

// Logger returns the instance logger
func (m *Meeting) Logger() logger.Logger {
	return m.logger
}
