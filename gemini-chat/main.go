package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/portal-chat/gemini-chat/kv"
)

var rootCmd = &cobra.Command{
	Use:   "gemini-chat",
	Short: "Portal demo: chatrooms with simulated AI replies",
	RunE:  runChat,
}

var (
	flagServerURLs   []string
	flagPort         int
	flagName         string
	flagDataPath     string
	flagCredKey      string
	flagReplyDelay   time.Duration
	flagInitialDelay time.Duration
	flagOlderDelay   time.Duration
)

func init() {
	defaults := defaultServerConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relay websocket URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8092, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", defaults.Name, "backend display name")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist chat state via PebbleDB (memory only if empty)")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.DurationVar(&flagReplyDelay, "reply-delay", defaults.ReplyDelay, "delay before the simulated AI reply")
	flags.DurationVar(&flagInitialDelay, "initial-delay", defaults.InitialDelay, "simulated initial load time of a chatroom")
	flags.DurationVar(&flagOlderDelay, "older-delay", defaults.OlderDelay, "simulated latency of loading older messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute gemini-chat command")
	}
}

func openStore(dataPath string) kv.Store {
	if dataPath == "" {
		log.Info().Msg("[chat] no data path; state is kept in memory")
		return kv.NewMemory()
	}
	p, err := kv.OpenPebble(dataPath)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] open store failed; running in memory only")
		return kv.NewMemory()
	}
	log.Info().Str("path", dataPath).Msg("[chat] persisting state")
	return p
}

func runChat(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore(flagDataPath)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] store close error")
		}
	}()

	cfg := defaultServerConfig()
	cfg.Name = flagName
	cfg.ReplyDelay = flagReplyDelay
	cfg.InitialDelay = flagInitialDelay
	cfg.OlderDelay = flagOlderDelay
	srv, err := newServer(store, cfg)
	if err != nil {
		return fmt.Errorf("init chat state: %w", err)
	}
	handler := srv.Router()

	var servers []string
	for _, raw := range flagServerURLs {
		for _, p := range strings.Split(raw, ",") {
			if u := strings.TrimSpace(p); u != "" {
				servers = append(servers, u)
			}
		}
	}

	var (
		ln     net.Listener
		client *sdk.RDClient
	)
	if len(servers) > 0 {
		cred := sdk.NewCredential()
		if flagCredKey != "" {
			key, err := base64.StdEncoding.DecodeString(flagCredKey)
			if err != nil {
				return fmt.Errorf("decode cred key: %w", err)
			}
			cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
			if err != nil {
				return fmt.Errorf("new credential from private key: %w", err)
			}
			cred = cred2
		}
		c, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = servers })
		if err != nil {
			return fmt.Errorf("new client: %w", err)
		}
		listener, err := c.Listen(cred, flagName, []string{"http/1.1"},
			sdk.WithDescription("Chatrooms with simulated AI replies"),
			sdk.WithTags([]string{"chat", "ai"}),
		)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("listen: %w", err)
		}
		client = c
		ln = listener
		log.Info().Strs("servers", servers).Msg("[chat] relay listener enabled")
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Msg("[chat] relay http error")
			}
		}()
	} else {
		log.Info().Msg("[chat] relay disabled; running local mode only")
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[chat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[chat] local http stopped")
			}
		}()
	}
	if ln == nil && httpSrv == nil {
		return fmt.Errorf("nothing to serve: set --port or --server-url")
	}

	// Unified shutdown watcher
	go func() {
		<-ctx.Done()
		if ln != nil {
			_ = ln.Close()
		}
		if client != nil {
			_ = client.Close()
		}
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("[chat] http server shutdown error")
			}
		}
	}()

	// Wait for cancel, then disconnect windows before the store closes
	<-ctx.Done()
	srv.Close()
	log.Info().Msg("[chat] shutdown complete")
	return nil
}
