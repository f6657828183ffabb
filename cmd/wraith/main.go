// Command wraith runs a WRAITH peer-to-peer encrypted file transfer
// endpoint, or drives a one-shot operation (identity setup, dial and
// send, listen and receive) against it.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shranto27/wraith/internal/config"
	"github.com/shranto27/wraith/internal/cryptocore"
	"github.com/shranto27/wraith/internal/identity"
	"github.com/shranto27/wraith/internal/logging"
	"github.com/shranto27/wraith/internal/metrics"
	"github.com/shranto27/wraith/internal/node"
)

var (
	configPath string
	dataDir    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wraith:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wraith",
		Short:         "WRAITH peer-to-peer encrypted file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")

	root.AddCommand(initCmd(), runCmd(), sendCmd(), recvCmd())
	return root
}

// loadConfig reads configPath if set, otherwise starts from
// config.Default, then applies the --data-dir override every
// subcommand shares.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = config.Default()
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// passphraseFor sources the identity passphrase from the environment
// variable the config names, falling back to an empty passphrase when
// none is configured or the variable is unset; the identity file is
// encrypted either way.
func passphraseFor(cfg *config.Config) []byte {
	if cfg.Identity.PassphraseEnv == "" {
		return nil
	}
	if v, ok := os.LookupEnv(cfg.Identity.PassphraseEnv); ok {
		return []byte(v)
	}
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate (or display) this node's long-term identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			passphrase := passphraseFor(cfg)
			id, created, err := identity.LoadOrCreate(cfg.Node.DataDir, passphrase)
			if err != nil {
				return fmt.Errorf("load or create identity: %w", err)
			}
			defer id.Zero()
			if created {
				fmt.Println("generated new identity")
			} else {
				fmt.Println("loaded existing identity")
			}
			fmt.Println("agent id:  ", id.AgentID())
			fmt.Println("static key:", hex.EncodeToString(id.StaticPub[:]))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node and keep it listening for peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Node.ListenAddress = listenAddr
			}
			n, log, err := startNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			log.Info("wraith node listening", "address", n.LocalAddr().String())
			fmt.Println("listening on", n.LocalAddr().String())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info("shutting down")
			return n.Close()
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "UDP address to bind (overrides config)")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		peerAddr   string
		peerStatic string
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Dial a peer and send it a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Node.ListenAddress = listenAddr
			}
			n, log, err := startNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			remote, err := net.ResolveUDPAddr("udp", peerAddr)
			if err != nil {
				return fmt.Errorf("resolve peer address: %w", err)
			}
			expected, err := parseStaticKey(peerStatic)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
			defer cancel()
			peer, err := n.DialPeer(dialCtx, remote, expected)
			if err != nil {
				return fmt.Errorf("dial %s: %w", peerAddr, err)
			}
			log.Info("handshake complete", "peer", peerAddr, "agent", hex.EncodeToString(peer.RemoteStatic()[:8]))

			if err := n.SendFile(ctx, peer, localPath); err != nil {
				return fmt.Errorf("send %s: %w", localPath, err)
			}
			fmt.Println("sent", filepath.Base(localPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&peerAddr, "peer", "", "remote peer UDP address, e.g. 203.0.113.9:7777")
	cmd.Flags().StringVar(&peerStatic, "peer-key", "", "peer's hex-encoded static public key")
	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:0", "local UDP address to bind")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("peer-key")
	return cmd
}

func recvCmd() *cobra.Command {
	var (
		listenAddr string
		fromStatic string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Listen and accept one incoming file transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Node.ListenAddress = listenAddr
			}
			n, log, err := startNode(cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			var expect cryptocore.Key
			if fromStatic != "" {
				expect, err = parseStaticKey(fromStatic)
				if err != nil {
					return err
				}
			}

			fmt.Println("listening on", n.LocalAddr().String())
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			peer, streamID, err := waitForOffer(ctx, n, expect)
			if err != nil {
				return err
			}
			log.Info("incoming transfer", "peer", hex.EncodeToString(peer.RemoteStatic()[:8]), "stream", streamID)

			if err := n.WaitIncoming(ctx, peer, streamID); err != nil {
				return fmt.Errorf("receive transfer: %w", err)
			}
			fmt.Println("transfer complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "UDP address to bind (overrides config)")
	cmd.Flags().StringVar(&fromStatic, "from", "", "only accept a peer with this hex-encoded static public key")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting for a peer after this long (0 = forever)")
	return cmd
}

func startNode(cfg *config.Config) (*node.Node, *slog.Logger, error) {
	log := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
	passphrase := passphraseFor(cfg)
	id, _, err := identity.LoadOrCreate(cfg.Node.DataDir, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("load or create identity: %w", err)
	}

	n, err := node.New(node.Config{
		Config:   cfg,
		Identity: id,
		Logger:   log,
		Metrics:  metrics.Default(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("construct node: %w", err)
	}
	n.Run()
	return n, log, nil
}

func parseStaticKey(hexKey string) (cryptocore.Key, error) {
	var key cryptocore.Key
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("decode static key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("static key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// waitForOffer blocks until some peer opens a transfer this node has
// registered via Node.handleOffer, polling Node.Peers for the first
// match rather than threading a dedicated notification channel through
// the node for what is, in practice, a one-shot CLI command.
func waitForOffer(ctx context.Context, n *node.Node, expect cryptocore.Key) (*node.Peer, uint32, error) {
	var zero cryptocore.Key
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ticker.C:
			for _, p := range n.Peers() {
				if expect != zero && p.RemoteStatic() != expect {
					continue
				}
				if streamID, ok := p.FirstIncomingTransfer(); ok {
					return p, streamID, nil
				}
			}
		}
	}
}
