package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables read by ApplyEnv.
const (
	EnvEmailUser     = "EMAIL_USER"
	EnvEmailPassword = "EMAIL_PASSWORD"
	EnvSMTPServer    = "SMTP_SERVER"
	EnvSMTPPort      = "SMTP_PORT"
	EnvEmailFrom     = "EMAIL_FROM"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the environment onto cfg. Set variables win over the file;
// empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvEmailUser); ok {
		cfg.SMTP.Username = v
	}
	// Passwords may legitimately contain surrounding spaces.
	if v, ok := lookup(EnvEmailPassword); ok && v != "" {
		cfg.SMTP.Password = v
	}
	if v, ok := get(EnvSMTPServer); ok {
		cfg.SMTP.Host = v
	}
	if v, ok := get(EnvSMTPPort); ok {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvSMTPPort, v)
		}
		cfg.SMTP.Port = p
	}
	if v, ok := get(EnvEmailFrom); ok {
		cfg.SMTP.From = v
	}
	return nil
}
