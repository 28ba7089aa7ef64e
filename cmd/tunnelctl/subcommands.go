package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/tunnelctl/internal/binary"
	core "github.com/3cpo-dev/tunnelctl/internal/core"
	gssh "github.com/3cpo-dev/tunnelctl/internal/ssh"
	"github.com/3cpo-dev/tunnelctl/internal/tunnel"
	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

const probeTimeout = 10 * time.Second

// Start a tunnel and record it
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a tunnel and wait until it reports connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			opts, err := e.options(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			name := core.TunnelName(opts)
			if rec, err := store.Load(ctx, name); err == nil && rec.Handle.PID != 0 {
				prev := e.newTunnel()
				_ = prev.Resume(rec.Handle)
				if alive, perr := prev.IsRunning(ctx); perr == nil && alive {
					return fmt.Errorf("tunnel %q: %w (pid %d)", name, tunnel.ErrAlreadyRunning, rec.Handle.PID)
				}
				log.Warn().Str("tunnel", name).Int("pid", rec.Handle.PID).Msg("discarding stale tunnel record")
			}

			if skip, _ := cmd.Flags().GetBool("skip-preflight"); !skip {
				acceptNew, _ := cmd.Flags().GetBool("accept-new-host-key")
				if err := e.preflight(ctx, opts, acceptNew); err != nil {
					return err
				}
			}

			t := e.newTunnel()
			if err := t.Start(ctx, opts); err != nil {
				var sf *tunnel.StartFailedError
				if errors.As(err, &sf) {
					log.Error().Str("tunnel", name).Str("state", sf.State).Msg(sf.Message)
				}
				return err
			}
			h := t.Snapshot()
			if h.PID == 0 {
				// onlyCommand: nothing was spawned.
				fmt.Fprintln(cmd.OutOrStdout(), redact(t.LastCommand().String(), opts[api.OptKey]))
				return nil
			}
			rec, err := store.Save(ctx, name, e.resolver.digest(h.BinaryPath), h)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s connected (pid %d, session %s)\n", name, h.PID, rec.SessionID)
			return nil
		},
	}
	addTunnelFlags(cmd)
	cmd.Flags().Bool("skip-preflight", false, "do not check the custom SSH endpoint before starting")
	cmd.Flags().Bool("accept-new-host-key", false, "trust and record an unknown custom SSH host key")
	return cmd
}

// Stop a tunnel
func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a recorded tunnel, or send a stop with the given options",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			opts, err := e.options(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.StopTimeout())
			defer cancel()

			names := []string{core.TunnelName(opts)}
			if all, _ := cmd.Flags().GetBool("all"); all {
				recs, err := store.List(ctx)
				if err != nil {
					return err
				}
				names = names[:0]
				for _, r := range recs {
					names = append(names, r.Name)
				}
			}
			for _, name := range names {
				if err := stopOne(ctx, e, store, name, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tunnel %s stopped\n", name)
			}
			return nil
		},
	}
	addTunnelFlags(cmd)
	cmd.Flags().Bool("all", false, "stop every recorded tunnel")
	return cmd
}

func stopOne(ctx context.Context, e *env, store *core.Store, name string, opts api.Options) error {
	t := e.newTunnel()
	rec, err := store.Load(ctx, name)
	switch {
	case err == nil:
		if err := t.Resume(withKey(rec.Handle, opts)); err != nil {
			return err
		}
		if err := t.Stop(ctx); err != nil {
			return err
		}
		return store.Delete(ctx, name)
	case errors.Is(err, core.ErrNotFound):
		log.Debug().Str("tunnel", name).Msg("no record, sending stop with given options")
		return t.StopWith(ctx, opts)
	default:
		return err
	}
}

// Show recorded tunnels with a liveness probe
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded tunnels and whether their agents are alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			recs, err := store.List(ctx)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			rows := make([]statusRow, 0, len(recs))
			for _, rec := range recs {
				if name != "" && rec.Name != name {
					continue
				}
				rows = append(rows, statusRow{Record: rec, Alive: probe(ctx, e, rec)})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(rows))
			return nil
		},
	}
	cmd.Flags().String("name", "", "only show this tunnel")
	return cmd
}

func probe(ctx context.Context, e *env, rec core.Record) aliveness {
	t := e.newTunnel()
	if err := t.Resume(rec.Handle); err != nil {
		return aliveUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	alive, err := t.IsRunning(ctx)
	switch {
	case err != nil:
		log.Debug().Err(err).Str("tunnel", rec.Name).Msg("probe failed")
		return aliveUnknown
	case alive:
		return aliveYes
	default:
		return aliveNo
	}
}

// List recorded tunnels
func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List recorded tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			store, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\n", r.Name, r.Handle.PID, r.SessionID, r.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// Print the agent command line without running it
func newCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Print the agent start command for the given options",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			opts, err := e.options(cmd)
			if err != nil {
				return err
			}
			opts[api.OptOnlyCommand] = "true"
			t := e.newTunnel()
			if err := t.Start(cmd.Context(), opts); err != nil {
				return err
			}
			line := t.LastCommand().String()
			if show, _ := cmd.Flags().GetBool("show-key"); !show {
				line = redact(line, opts[api.OptKey])
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
	addTunnelFlags(cmd)
	cmd.Flags().Bool("show-key", false, "print the access key instead of masking it")
	return cmd
}

func redact(line, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return line
	}
	return strings.ReplaceAll(line, key, "****")
}

// Download and validate the agent binary
func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Download, validate and repair the agent binary for this platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			asset, err := e.prov.Provision(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tblake3:%s\n", asset.Path, asset.Platform.Path(), asset.Digest)
			return nil
		},
	}
}

// Push the agent binary to the custom SSH host
func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Copy the agent binary to the custom SSH host and check it runs there",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			opts, err := e.options(cmd)
			if err != nil {
				return err
			}
			target, err := gssh.TargetFromOptions(opts, e.cfg.SSH.KeyPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			local := opts[api.OptBinaryPath]
			if local == "" {
				if local, err = e.resolver.Resolve(ctx); err != nil {
					return err
				}
			}
			acceptNew, _ := cmd.Flags().GetBool("accept-new-host-key")
			client, _, err := gssh.NewClient(target, e.cfg.SSH.KnownHosts, acceptNew, sshTimeout)
			if err != nil {
				return err
			}
			conn, err := gssh.Dial(ctx, client)
			if err != nil {
				return fmt.Errorf("ssh %s: %w", target.Addr(), err)
			}
			defer conn.Close()

			remote, _ := cmd.Flags().GetString("remote-path")
			digest, err := gssh.PushFile(ctx, conn, local, remote)
			if err != nil {
				return err
			}
			out, err := client.RunCommand(ctx, remote+" --version")
			if err != nil {
				return fmt.Errorf("remote agent did not run: %w", err)
			}
			if !binary.ValidVersion(out) {
				return fmt.Errorf("%w: remote reported %q", binary.ErrCorruptBinary, strings.TrimSpace(out))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %s to %s:%s (blake3:%s, version %s)\n", local, target.Addr(), remote, digest, strings.TrimSpace(out))
			return nil
		},
	}
	addTunnelFlags(cmd)
	cmd.Flags().String("remote-path", ".lambdatest/LT", "destination path on the remote host")
	cmd.Flags().Bool("accept-new-host-key", false, "trust and record an unknown host key")
	return cmd
}

// Check the custom SSH endpoint
func newPreflightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that the custom SSH endpoint accepts the configured key",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			opts, err := e.options(cmd)
			if err != nil {
				return err
			}
			target, err := gssh.TargetFromOptions(opts, e.cfg.SSH.KeyPath)
			if err != nil {
				return err
			}
			acceptNew, _ := cmd.Flags().GetBool("accept-new-host-key")
			res, err := gssh.Preflight(cmd.Context(), target, e.cfg.SSH.KnownHosts, acceptNew, sshTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\t%s\t%s\n", res.Addr, res.Fingerprint, res.Latency.Round(time.Millisecond))
			return nil
		},
	}
	addTunnelFlags(cmd)
	cmd.Flags().Bool("accept-new-host-key", false, "trust and record an unknown host key")
	return cmd
}

// Generate the key used for the custom SSH endpoint
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the ed25519 key used for customSSH tunnels and print its public half",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			path := e.cfg.SSH.KeyPath
			if force, _ := cmd.Flags().GetBool("force"); !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to replace it)", path)
				}
			}
			pub, err := gssh.GenerateEd25519Keypair(path)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("wrote private key")
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}

// Record a host key for the custom SSH endpoint
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host[:port]> <authorized-key>",
		Short: "Add a host key to the known_hosts file used for customSSH checks",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			host := args[0]
			if _, _, err := net.SplitHostPort(host); err != nil {
				host = net.JoinHostPort(host, "22")
			}
			if err := gssh.AppendKnownHost(e.cfg.SSH.KnownHosts, host, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s in %s\n", host, e.cfg.SSH.KnownHosts)
			return nil
		},
	}
}
