// Package main provides the CLI entry point for the wsocks5 tunnel.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/postalsys/wsocks5/internal/adminapi"
	"github.com/postalsys/wsocks5/internal/client"
	"github.com/postalsys/wsocks5/internal/config"
	"github.com/postalsys/wsocks5/internal/logging"
	"github.com/postalsys/wsocks5/internal/metrics"
	"github.com/postalsys/wsocks5/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "wsocks5",
		Short:   "wsocks5 - SOCKS5 over a persistent WebSocket tunnel",
		Version: Version,
		Long: `wsocks5 tunnels SOCKS5 traffic over a persistent, authenticated
WebSocket session, letting a client behind NAT expose outbound network
access to a server (reverse mode) or delegate its own SOCKS5 egress to a
remote server (forward mode).`,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "run", Title: "Running:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Token Administration:"})
	rootCmd.AddGroup(&cobra.Group{ID: "util", Title: "Utilities:"})

	serve := serveCmd()
	serve.GroupID = "run"
	run := clientCmd()
	run.GroupID = "run"

	rootCmd.AddCommand(serve, run)
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashPasswordCmd(), configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tunnel server",
		Long: `Run the tunnel server: terminate WebSocket tunnel sessions, dial
CONNECT targets for forward-mode clients, and supervise per-reverse-token
SOCKS5 listeners.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			poolSize := int64(cfg.Server.Ports.Max) - int64(cfg.Server.Ports.Min) + 1
			logger.Info("starting wsocks5 server",
				"version", Version,
				"address", cfg.Server.Address,
				"path", cfg.Server.Path,
				"reverse_port_pool", humanize.Comma(poolSize),
			)

			m := metrics.NewMetrics()

			srv, err := server.New(cfg.Server, logger, m)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			var adminSrv *http.Server
			if cfg.Admin.Enabled {
				adminSrv = &http.Server{Addr: cfg.Admin.Address, Handler: adminapi.New(srv.Tokens, logger)}
				go func() {
					logger.Info("admin API listening", "address", cfg.Admin.Address)
					if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("admin API failed", "error", err)
					}
				}()
			}

			var metricsSrv *http.Server
			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
				go func() {
					logger.Info("metrics listening", "address", cfg.Metrics.Address)
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErr := srv.Start(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if adminSrv != nil {
				adminSrv.Shutdown(shutdownCtx)
			}
			if metricsSrv != nil {
				metricsSrv.Shutdown(shutdownCtx)
			}

			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (defaults built in if omitted)")
	return cmd
}

func clientCmd() *cobra.Command {
	var configPath, serverURL, token, mode, socksAddr string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client",
		Long: `Run the tunnel client: dial the server with reconnect-with-backoff,
serve a local SOCKS5 listener in forward mode, or answer dispatched CONNECT
frames as a reverse-mode fleet member.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			if token != "" {
				cfg.Client.Token = token
			}
			if mode != "" {
				cfg.Client.Mode = mode
			}
			if socksAddr != "" {
				cfg.Client.SOCKS5.Address = socksAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			logger.Info("starting wsocks5 client", "version", Version, "server", cfg.Client.ServerURL, "mode", cfg.Client.Mode)

			c := client.New(cfg.Client, logger, metrics.NewMetrics())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&serverURL, "server", "", "Tunnel server URL (ws:// or wss://)")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Forward or reverse token to authenticate with")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "forward or reverse")
	cmd.Flags().StringVar(&socksAddr, "socks5-address", "", "Local SOCKS5 listen address (forward mode)")
	return cmd
}

// tokenCmd groups the administrative operations that drive a running
// server's token registry over its HTTP admin API (internal/adminapi).
func tokenCmd() *cobra.Command {
	var adminAddr string

	root := &cobra.Command{
		Use:     "token",
		Short:   "Manage tokens on a running server",
		GroupID: "admin",
	}
	root.PersistentFlags().StringVar(&adminAddr, "admin", "127.0.0.1:8088", "Admin API address of a running server")

	addForward := &cobra.Command{
		Use:   "add-forward [token]",
		Short: "Register a forward token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{}
			if len(args) == 1 {
				req["token"] = args[0]
			}
			return adminPost(adminAddr, "/tokens/forward", req)
		},
	}

	var port uint16
	var allowManage, waitClient bool
	var username, password string
	var rateLimit int64
	addReverse := &cobra.Command{
		Use:   "add-reverse [token]",
		Short: "Register a reverse token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"port":                     port,
				"allow_manage_connector":   allowManage,
				"socks_wait_client":        waitClient,
				"username":                 username,
				"password":                 password,
				"rate_limit_bytes_per_sec": rateLimit,
			}
			if len(args) == 1 {
				req["token"] = args[0]
			}
			return adminPost(adminAddr, "/tokens/reverse", req)
		},
	}
	addReverse.Flags().Uint16Var(&port, "port", 0, "Preferred port for the reverse SOCKS5 listener")
	addReverse.Flags().BoolVar(&allowManage, "allow-manage-connector", false, "Allow the reverse client to manage its own connector tokens")
	addReverse.Flags().BoolVar(&waitClient, "socks-wait-client", false, "Defer starting the listener until the first authenticated client")
	addReverse.Flags().StringVar(&username, "username", "", "SOCKS5 username required of ingress clients")
	addReverse.Flags().StringVar(&password, "password", "", "SOCKS5 password required of ingress clients")
	addReverse.Flags().Int64Var(&rateLimit, "rate-limit-bytes-per-sec", 0, "Per-channel relay rate limit (0 = unlimited)")

	addConnector := &cobra.Command{
		Use:   "add-connector <reverse-token> [connector-token]",
		Short: "Register a connector token bound to a reverse token",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"reverse_token": args[0]}
			if len(args) == 2 {
				req["connector"] = args[1]
			}
			return adminPost(adminAddr, "/tokens/connector", req)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove a token from whichever role it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost(adminAddr, "/tokens/remove", map[string]string{"token": args[0]})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tokens and their client counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet(adminAddr, "/tokens")
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show registry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet(adminAddr, "/status")
		},
	}

	root.AddCommand(addForward, addReverse, addConnector, remove, list, status)
	return root
}

func adminPost(addr, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("calling admin API: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func adminGet(addr, path string) error {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("calling admin API: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decoding admin API response: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}
	return nil
}

func hashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:     "hash-password [password]",
		Short:   "Bcrypt-hash a SOCKS5 password for use in server config",
		GroupID: "util",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				fmt.Fprint(os.Stderr, "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				password = string(raw)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	return cmd
}

func configCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "config",
		Short:   "Inspect configuration",
		GroupID: "util",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Println(cfg.String())
			fmt.Println("config OK")
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the built-in default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.Default().String())
			return nil
		},
	}

	root.AddCommand(validate, show)
	return root
}
