// Package conntier classifies network quality into coarse tiers and derives
// tuned configuration for slow connections. Classification runs once per
// page load; later connectivity changes are handled by the online/offline
// transition only.
package conntier

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/pagerescue/config"
)

// Tier is a coarse network-quality class.
type Tier string

const (
	VerySlow Tier = "very-slow"
	Slow     Tier = "slow"
	Normal   Tier = "normal"
	Unknown  Tier = "unknown"
)

// Signals are the network-quality hints a page exposes. Zero values mean
// "not reported".
type Signals struct {
	Downlink      float64 `json:"downlink"`       // Mbps estimate
	EffectiveType string  `json:"effective_type"` // slow-2g | 2g | 3g | 4g
	SaveData      bool    `json:"save_data"`
}

// Source reads Signals from the page.
type Source interface {
	ConnectionSignals(ctx context.Context) (Signals, error)
}

// Classify maps signals to a Tier.
func Classify(s Signals) Tier {
	et := strings.ToLower(strings.TrimSpace(s.EffectiveType))
	if et == "" && s.Downlink <= 0 {
		return Unknown
	}
	switch {
	case et == "slow-2g", s.Downlink > 0 && s.Downlink < 0.5:
		return VerySlow
	case et == "2g", s.Downlink > 0 && s.Downlink < 1.5:
		return Slow
	}
	return Normal
}

// Tune returns a copy of cfg adjusted for tier. Normal and Unknown leave the
// values unchanged.
func Tune(cfg config.Config, tier Tier) config.Config {
	out := cfg.Clone()
	switch tier {
	case VerySlow:
		out.MaxImageRetries = min(out.MaxImageRetries, 2)
		out.RetryBaseDelay = scale(out.RetryBaseDelay, 2.5)
		out.MutationDebounce = scale(out.MutationDebounce, 2)
		out.UIHideDelay = scale(out.UIHideDelay, 2)
	case Slow:
		out.MaxImageRetries = min(out.MaxImageRetries, 3)
		out.RetryBaseDelay = scale(out.RetryBaseDelay, 1.6)
		out.MutationDebounce = scale(out.MutationDebounce, 1.5)
		out.UIHideDelay = scale(out.UIHideDelay, 1.5)
	}
	return out
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

// Autotune reads signals once and returns the tuned configuration. A failing
// source yields Unknown and the configuration unchanged.
func Autotune(ctx context.Context, src Source, cfg config.Config, logger *slog.Logger) (config.Config, Tier) {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		return cfg.Clone(), Unknown
	}
	sig, err := src.ConnectionSignals(ctx)
	if err != nil {
		logger.Debug("conntier: signals unavailable, keeping defaults", "error", err)
		return cfg.Clone(), Unknown
	}
	tier := Classify(sig)
	tuned := Tune(cfg, tier)
	logger.Info("conntier: classified connection",
		"tier", tier,
		"downlink", sig.Downlink,
		"effective_type", sig.EffectiveType,
		"max_image_retries", tuned.MaxImageRetries,
		"retry_base_delay", tuned.RetryBaseDelay)
	return tuned, tier
}
