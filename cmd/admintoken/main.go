// Package main mints short-lived JWT Bearer tokens for the admin API,
// reading the signing secret, issuer, and audience from the same config
// file the daemon uses.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/resilience-core/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/loadgen.yaml", "path to configuration file")
	subject := flag.String("sub", "admin", "token subject")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Admin.Enabled || cfg.Admin.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "error: admin API is not enabled in the config")
		os.Exit(1)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": *subject,
		"iss": cfg.Admin.Issuer,
		"aud": cfg.Admin.Audience,
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(cfg.Admin.JWTSecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
