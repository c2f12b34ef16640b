package automation

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"time"

	"accountpilot/internal/mail"
)

// Kind names a browser automation engine.
type Kind string

const (
	// KindDP drives the browser over the DevTools protocol; it runs headless.
	KindDP Kind = "dp"
	// KindUC uses undetected-chromedriver and needs a display.
	KindUC Kind = "uc"
)

var ErrEngineUnavailable = errors.New("automation engine unavailable")

// LogFunc receives progress lines from an engine run.
type LogFunc func(level, format string, args ...any)

// Outcome is what an engine run produced. Config holds the extracted
// credential fields when Success is true.
type Outcome struct {
	Success bool
	Config  map[string]any
	Error   string
}

// Engine signs an identity in and extracts its session credentials, using
// the mail client to answer the verification step.
type Engine interface {
	LoginAndExtract(ctx context.Context, identifier string, mc mail.Client, logf LogFunc) (Outcome, error)
}

type Options struct {
	Kind      Kind
	Headless  bool
	Proxy     string
	UserAgent string
	Timeout   time.Duration
}

// Factory builds an engine for one item.
type Factory func(opts Options) (Engine, error)

// Choice is the resolved engine selection.
type Choice struct {
	Kind     Kind
	Headless bool
	// Forced is set when the configured selection was overridden because no
	// display server is available.
	Forced bool
}

// Select resolves the configured engine against the platform. Without a display
// only the headless DP engine can run.
func Select(engine string, headless bool, hasDisplay func() bool) Choice {
	kind := Kind(strings.ToLower(strings.TrimSpace(engine)))
	if kind != KindUC {
		kind = KindDP
	}
	c := Choice{Kind: kind, Headless: headless}
	if hasDisplay == nil {
		hasDisplay = HasDisplay
	}
	if !hasDisplay() && (c.Kind != KindDP || !c.Headless) {
		c = Choice{Kind: KindDP, Headless: true, Forced: true}
	}
	return c
}

// HasDisplay reports whether a graphical session is reachable. Only X11/Wayland
// platforms can lack one.
func HasDisplay() bool {
	switch runtime.GOOS {
	case "windows", "darwin":
		return true
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}
