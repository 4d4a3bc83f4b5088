package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-render-stream/internal/config"
)

const (
	warnFPSAbove    = 120
	warnPixelsAbove = 3840 * 2160
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any web page may open the stream)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; only host candidates will be offered",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured while --mode=prod (viewers behind NAT may fail to connect)",
			"warning_code", "ice_servers_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.FPS > warnFPSAbove {
		logger.Warn("startup warning: frame rate is very high (encoder may not keep up; frames will be dropped)",
			"warning_code", "fps_high",
			"fps", cfg.FPS,
		)
	}
	if cfg.Width*cfg.Height > warnPixelsAbove {
		logger.Warn("startup warning: resolution is very large (encoder may not keep up; frames will be dropped)",
			"warning_code", "resolution_large",
			"width", cfg.Width,
			"height", cfg.Height,
		)
	}

	if cfg.TrickleICE && cfg.MailboxDepth <= 1 {
		logger.Warn("startup warning: trickle ICE with a single-slot signaling mailbox (queued candidates replace one another before delivery)",
			"warning_code", "trickle_ice_single_slot_mailbox",
			"mailbox_depth", cfg.MailboxDepth,
		)
	}
}
