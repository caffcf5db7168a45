package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Chain.RPCURL) // provider URLs usually embed an API key
	redact(&out.Seed.Passphrase)
	redact(&out.Seed.Salt)
	redact(&out.Auth.TokenSecret)
	redact(&out.Auth.AdminAPIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Game.LabelPool = cloneStrings(cfg.Game.LabelPool)
	out.Game.Modes = cloneStrings(cfg.Game.Modes)
	if cfg.Game.DisplayWindows != nil {
		out.Game.DisplayWindows = make(map[string]duration, len(cfg.Game.DisplayWindows))
		for k, v := range cfg.Game.DisplayWindows {
			out.Game.DisplayWindows[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
