package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"humanbrowse/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config holds browser connection settings.
type Config struct {
	Port           int           `json:"cdp_port"`
	AllowNAT       bool          `json:"cdp_allow_nat"`
	ProbeTimeout   time.Duration `json:"cdp_timeout"`
	SlowMotion     time.Duration `json:"slow_mo"`
	Launch         bool          `json:"cdp_launch"`
	Bin            string        `json:"chrome_bin"`
	Headless       bool          `json:"headless"`
	ActionTimeout  time.Duration `json:"action_timeout"`
	ViewportWidth  int           `json:"viewport_width"`
	ViewportHeight int           `json:"viewport_height"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:           9222,
		ProbeTimeout:   5 * time.Second,
		Headless:       true,
		ActionTimeout:  30 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 720,
	}
}

// Manager owns the single shared browser connection. It connects lazily on
// first use and hands out isolated pages.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
}

// NewManager creates a manager. No connection is made until NewPage.
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Connect establishes the shared connection if there is none. Concurrent
// callers wait for the same attempt.
func (m *Manager) Connect(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) (*rod.Browser, error) {
	if m.ctx.Err() != nil {
		return nil, ErrNotConnected
	}
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return m.browser, nil
		}
		logging.BrowserWarn("stale browser connection to %s, reconnecting", m.controlURL)
		m.browser = nil
		m.controlURL = ""
	}

	timer := logging.StartTimer(logging.CategoryBrowser, "connect")
	defer timer.Stop()

	controlURL, err := m.resolveControlURL(ctx)
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(controlURL).Context(m.ctx)
	if m.cfg.SlowMotion > 0 {
		b = b.SlowMotion(m.cfg.SlowMotion)
	}
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	if v, err := b.Version(); err == nil {
		logging.Browser("connected to %s (%s)", controlURL, v.Product)
	}

	m.browser = b
	m.controlURL = controlURL
	return b, nil
}

// resolveControlURL probes the configured endpoints and falls back to
// launching a local browser when allowed.
func (m *Manager) resolveControlURL(ctx context.Context) (string, error) {
	ep, err := SelectEndpoint(ctx, m.cfg.Port, m.cfg.AllowNAT, m.cfg.ProbeTimeout)
	if err == nil {
		logging.Browser("CDP endpoint selected: %s", ep.BaseURL)
		if ep.Browser != "" {
			logging.BrowserDebug("CDP version: %s", ep.Browser)
		}
		return ep.WebSocketURL, nil
	}
	if !m.cfg.Launch {
		return "", err
	}

	logging.BrowserWarn("%v; launching a local browser", err)
	l := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	u, launchErr := l.Launch()
	if launchErr != nil {
		return "", fmt.Errorf("launch chrome: %w (probe: %v)", launchErr, err)
	}
	m.launcher = l
	return u, nil
}

// NewPage opens a page in a new incognito context.
func (m *Manager) NewPage(ctx context.Context) (Page, error) {
	b, err := m.Connect(ctx)
	if err != nil {
		return nil, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             m.cfg.ViewportWidth,
			Height:            m.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
		}); err != nil {
			logging.BrowserWarn("failed to set viewport: %v", err)
		}
	}
	return newRodPage(page, incognito, m.cfg.ActionTimeout), nil
}

// ControlURL returns the websocket URL of the current connection.
func (m *Manager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// IsConnected reports whether a connection has been made.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Shutdown drops the connection. A browser this manager launched is closed;
// an attached browser is left running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.browser != nil && m.launcher != nil {
		if err := m.browser.Context(ctx).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		m.launcher.Kill()
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.cancel()
	m.browser = nil
	m.controlURL = ""
	return errors.Join(errs...)
}
