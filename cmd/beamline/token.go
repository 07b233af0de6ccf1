package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/beamline-core/internal/auth"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
)

// runToken mints a bearer token signed with the configured secret:
//
//	beamline token -subject mx-user-17 -role user -ttl 8h
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "token subject (user or script name)")
	role := fs.String("role", string(auth.RoleUser), "role: observer or user")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to api.auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Auth.JWTSecret == "" {
		return fmt.Errorf("api.auth.jwt_secret is not set")
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.API.Auth.TokenTTL) * time.Minute
	}
	token, err := auth.IssueToken(*subject, auth.Role(*role), cfg.API.Auth.JWTSecret, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
