// Package config is the Comet binary's flag surface (spec.md §6):
// --bind, -r redis_url, --secret, plus --console-addr which SPEC_FULL.md
// adds to let the Comet reach Console's resolve_identity endpoint.
package config

import "github.com/spf13/pflag"

type Config struct {
	Debug       bool
	Bind        string
	RedisURL    string
	Secret      string
	ConsoleAddr string
	CometID     string
}

func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("comet", pflag.ContinueOnError)
	cfg := &Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&cfg.Bind, "bind", "0.0.0.0:3000", "address to bind the agent/console listeners")
	fs.StringVarP(&cfg.RedisURL, "redis", "r", "redis://127.0.0.1:6379/0", "redis_url for the shared routing index")
	fs.StringVar(&cfg.Secret, "secret", "", "comet_secret shared with Console and Agents")
	fs.StringVar(&cfg.ConsoleAddr, "console-addr", "http://127.0.0.1:8080", "Console internal API base URL, used for resolve_identity")
	fs.StringVar(&cfg.CometID, "id", "", "stable id this Comet publishes into the routing index (default: bind address)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.CometID == "" {
		cfg.CometID = cfg.Bind
	}
	return cfg, nil
}
