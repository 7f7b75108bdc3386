package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matst80/tunnelclient/internal/keystore"
	"github.com/matst80/tunnelclient/internal/manager"
	"github.com/matst80/tunnelclient/internal/supervisor"
	"github.com/matst80/tunnelclient/internal/tunnel"
)

// Config holds client runtime configuration.
type Config struct {
	ConfigFile    string
	EnvFile       string
	Remote        string
	Proxy         string
	CAFile        string
	CertFile      string
	KeyFile       string
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TokenTTL      time.Duration
	APIKeyDB      string
	RestartDelay  time.Duration
	StartDelay    time.Duration
	CheckTimeout  time.Duration
	Debug         bool
}

// bindFlags registers the persistent flags shared by every subcommand.
func (c *Config) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&c.ConfigFile, "config", "c", "tunnels.yaml", "tunnels file (YAML or JSON)")
	f.StringVar(&c.EnvFile, "env-file", "", "load environment variables from this file (default .env when present)")
	f.StringVar(&c.Remote, "remote", "", "gateway URL used by tunnels that do not name one")
	f.StringVar(&c.Proxy, "proxy", "", "HTTP proxy for gateway traffic (default $https_proxy / $http_proxy)")
	f.StringVar(&c.CAFile, "ca", "", "PEM bundle of CAs trusted for the gateway")
	f.StringVar(&c.CertFile, "cert", "", "client certificate for mTLS")
	f.StringVar(&c.KeyFile, "key", "", "client certificate key for mTLS")
	f.StringVar(&c.MetricsAddr, "metrics", "127.0.0.1:9100", "metrics, health and status listen address (empty disables)")
	f.StringVar(&c.RedisAddr, "redis-addr", "", "share session tokens through this redis server")
	f.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	f.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	f.DurationVar(&c.TokenTTL, "token-ttl", 12*time.Hour, "expire the shared session token set after this long (required with --redis-addr)")
	f.StringVar(&c.APIKeyDB, "apikey-db", "", "SQLite file holding api keys for apikeyRef lookups")
	f.DurationVar(&c.RestartDelay, "restart-delay", supervisor.DefaultDelay, "pause between two tunnel restarts")
	f.DurationVar(&c.StartDelay, "start-delay", manager.DefaultStartDelay, "pause between two tunnel starts")
	f.DurationVar(&c.CheckTimeout, "check-timeout", 30*time.Second, "timeout of one identity request")
	f.BoolVar(&c.Debug, "debug", false, "enable debug logs")
}

// loadEnv reads the env file. Without --env-file a missing .env is fine.
func (c *Config) loadEnv() error {
	if c.EnvFile != "" {
		return godotenv.Load(c.EnvFile)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

// proxyURL is the explicit proxy, else the conventional environment variables.
func (c *Config) proxyURL() string {
	if c.Proxy != "" {
		return c.Proxy
	}
	for _, k := range []string{"https_proxy", "HTTPS_PROXY", "http_proxy", "HTTP_PROXY"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// TunnelsFile is the on-disk tunnel definition. A bare list of tunnels is
// accepted as well.
type TunnelsFile struct {
	Remote  string        `yaml:"remote"`
	Tunnels []tunnel.Spec `yaml:"tunnels"`
	APIKeys keystore.Map  `yaml:"apikeys"`
}

func loadTunnelsFile(path string) (TunnelsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TunnelsFile{}, err
	}
	return parseTunnels(raw)
}

func parseTunnels(raw []byte) (TunnelsFile, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return TunnelsFile{}, fmt.Errorf("parse tunnels: %w", err)
	}
	var tf TunnelsFile
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		var err error
		if root.Kind == yaml.SequenceNode {
			err = root.Decode(&tf.Tunnels)
		} else {
			err = root.Decode(&tf)
		}
		if err != nil {
			return TunnelsFile{}, fmt.Errorf("parse tunnels: %w", err)
		}
	}
	for i := range tf.Tunnels {
		if tf.Tunnels[i].Port == 0 {
			tf.Tunnels[i].Port = tunnel.DefaultPort
		}
	}
	return tf, nil
}
