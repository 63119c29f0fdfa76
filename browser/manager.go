// Package browser attaches pagerescue to a live Chrome tab over CDP. The
// Manager owns the Chrome process; a Tab injects the page bridge, forwards
// its signals as guard events and implements every page surface the engine
// needs on top of Page.Eval.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pagerescue/config"
)

// Manager manages the Chrome lifecycle.
type Manager struct {
	cfg    config.BrowserConfig
	logger *slog.Logger

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start to launch or connect.
func NewManager(cfg config.BrowserConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches a local Chrome, or connects to cfg.Remote when set.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	wsURL := m.cfg.Remote
	if wsURL != "" {
		m.logger.Info("browser: connecting to remote", "url", wsURL)
	} else {
		headless := m.cfg.Headless == nil || *m.cfg.Headless
		l := launcher.New().Context(ctx).Headless(headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.logger.Info("browser: launched local chrome", "url", wsURL, "headless", headless)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	return b, nil
}

// Browser returns the connected browser, or nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// NewPage opens a blank tab, with stealth evasions when configured.
func (m *Manager) NewPage() (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	if m.cfg.Stealth {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: ""})
}

// Close shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
