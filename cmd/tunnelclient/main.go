package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/tunnelclient/internal/auth"
	"github.com/matst80/tunnelclient/internal/httpx"
	"github.com/matst80/tunnelclient/internal/keystore"
	"github.com/matst80/tunnelclient/internal/manager"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/supervisor"
	"github.com/matst80/tunnelclient/internal/tokencache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &Config{}
	root := &cobra.Command{
		Use:          "tunnelclient",
		Short:        "Expose remote TCP/UDP services on local ports through a WebSocket gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.loadEnv(); err != nil {
				return err
			}
			obs.EnableDebug(cfg.Debug)
			return nil
		},
	}
	cfg.bindFlags(root)
	root.AddCommand(newStartCommand(cfg), newProbeCommand(cfg), newAPIKeyCommand(cfg))
	return root
}

func newStartCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start every enabled tunnel of the tunnels file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *Config) error {
	tf, err := loadTunnelsFile(cfg.ConfigFile)
	if err != nil {
		return err
	}
	client, dialer, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	cache, err := tokencache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TokenTTL)
	if err != nil {
		return err
	}
	if c, ok := cache.(io.Closer); ok {
		defer c.Close()
	}
	keys := keystore.Chain{tf.APIKeys}
	if cfg.APIKeyDB != "" {
		db, err := keystore.OpenSQL(cfg.APIKeyDB)
		if err != nil {
			return err
		}
		defer db.Close()
		keys = append(keys, db)
	}

	sup := supervisor.New(cfg.RestartDelay)
	remote := cfg.Remote
	if remote == "" {
		remote = tf.Remote
	}
	m := manager.New(manager.Deps{
		Auth: auth.Deps{
			Client:   client,
			Timeout:  cfg.CheckTimeout,
			Cache:    cache,
			Keys:     keys,
			Prompter: &auth.StdinPrompter{In: os.Stdin, Out: os.Stderr},
		},
		Dialer:        dialer,
		Supervisor:    sup,
		StartDelay:    cfg.StartDelay,
		DefaultRemote: remote,
		OnConnections: func(name string, active int) {
			obs.Debug("tunnel.connections", obs.Fields{"tunnel": name, "active": active})
		},
	})

	go func() { _ = sup.Run(ctx) }()
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, m, sup.Len)
	}
	obs.Info("client.start", obs.Fields{"config": cfg.ConfigFile, "tunnels": len(tf.Tunnels), "metrics": cfg.MetricsAddr})
	if err := m.Start(ctx, tf.Tunnels); err != nil {
		_ = m.Stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		obs.Error("client.start_failed", obs.Fields{"err": err})
		return err
	}
	obs.Info("client.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("client.shutdown.signal", obs.Fields{})
	err = m.Stop()
	obs.Info("client.shutdown.complete", obs.Fields{})
	return err
}

func newProbeCommand(cfg *Config) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "probe [remote]",
		Short: "Print the access type a gateway requires",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := cfg.Remote
			if len(args) == 1 {
				remote = args[0]
			}
			if remote == "" {
				return errors.New("no remote given")
			}
			client, _, err := buildTransport(cfg)
			if err != nil {
				return err
			}
			var h httpx.Headers
			if host != "" {
				h.Set("Host", host)
			}
			access, err := (&auth.Prober{Client: client, Timeout: cfg.CheckTimeout}).Probe(cmd.Context(), remote, h)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), access)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Host header override")
	return cmd
}

func newAPIKeyCommand(cfg *Config) *cobra.Command {
	open := func() (*keystore.SQL, error) {
		if cfg.APIKeyDB == "" {
			return nil, errors.New("--apikey-db is required")
		}
		return keystore.OpenSQL(cfg.APIKeyDB)
	}
	cmd := &cobra.Command{Use: "apikey", Short: "Manage the api key table used for apikeyRef"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set REF KEY",
			Short: "Store or replace an api key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				return db.Put(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "rm REF",
			Short: "Delete an api key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				return db.Delete(args[0])
			},
		},
		&cobra.Command{
			Use:   "ls",
			Short: "List stored references",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := open()
				if err != nil {
					return err
				}
				defer db.Close()
				refs, err := db.Refs()
				if err != nil {
					return err
				}
				for _, r := range refs {
					fmt.Fprintln(cmd.OutOrStdout(), r)
				}
				return nil
			},
		},
	)
	return cmd
}
