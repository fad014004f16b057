package main

import (
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/turnrest"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client open a signaling connection",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz and /webrtc/ice will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	} else if cfg.TURNREST.Enabled() && !lo.SomeBy(cfg.ICEServers, turnrest.HasTURNURL) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but no TURN URL is configured",
			"warning_code", "turn_rest_without_turn_urls",
			"ice_servers", len(cfg.ICEServers),
		)
	}
}
