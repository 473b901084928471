// Command bridge runs the Hook Dispatch & Orchestration Core: the
// service an agent runtime's tool-invocation hooks call into, plus the
// CLI surface for operating a running instance (worker registration,
// cache invalidation, breaker resets) and a one-shot status check.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hookcore/bridge/internal/admin"
	"github.com/hookcore/bridge/internal/audit"
	"github.com/hookcore/bridge/internal/auth"
	"github.com/hookcore/bridge/internal/cache"
	"github.com/hookcore/bridge/internal/checkpoint"
	"github.com/hookcore/bridge/internal/circuitbreaker"
	"github.com/hookcore/bridge/internal/config"
	"github.com/hookcore/bridge/internal/dispatcher"
	"github.com/hookcore/bridge/internal/grpcadmin"
	"github.com/hookcore/bridge/internal/ingress"
	"github.com/hookcore/bridge/internal/jobtracker"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
	"github.com/hookcore/bridge/internal/observability"
	"github.com/hookcore/bridge/internal/orchestration"
	"github.com/hookcore/bridge/internal/registry"
	"github.com/hookcore/bridge/internal/secrets"
)

// Exit codes per the CLI surface's documented contract: success,
// usage error, authentication/authorization error, registry error, and
// unspecified failure.
const (
	exitOK            = 0
	exitUnspecified   = 1
	exitUsage         = 2
	exitAuthError     = 3
	exitRegistryError = 4
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Hook Dispatch & Orchestration Core",
		Long:  "bridge sits between an agent runtime's tool-invocation hooks and the workers that act on them",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (JSON or YAML); defaults if omitted")

	rootCmd.AddCommand(
		startCmd(),
		stopCmd(),
		statusCmd(),
		registerWorkerCmd(),
		unregisterWorkerCmd(),
		invalidateCacheCmd(),
		circuitResetCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnspecified)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// adminClient is the thin HTTP client the non-start subcommands use to
// talk to a running bridge instance's /admin endpoints, keeping the
// administrative operations implemented exactly once (in internal/admin,
// behind the ingress /admin routes) rather than duplicated between the
// HTTP surface and the CLI.
type adminClient struct {
	baseURL string
	client  *http.Client
}

func newAdminClient(cfg *config.Config) *adminClient {
	addr := cfg.Ingress.HTTPAddr
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return &adminClient{baseURL: "http://" + addr, client: &http.Client{Timeout: 10 * time.Second}}
}

func (a *adminClient) post(path string) (map[string]any, int, error) {
	resp, err := a.client.Post(a.baseURL+path, "application/json", nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode, nil
}

func (a *adminClient) get(path string) (map[string]any, int, error) {
	resp, err := a.client.Get(a.baseURL + path)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode, nil
}

func startCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the dispatch core in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Ingress.HTTPAddr = ":" + port
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "8085", "HTTP port to listen on")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.Configure(cfg.Observability.Logging.Format, cfg.LogLevel)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	reg := registry.New(cfg.Registry.ProbeInterval, cfg.Registry.ProbeTimeout)
	respCache := cache.NewResponseCache(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL)
	metrics.Global().CacheHitRate = respCache.HitRate
	if cfg.Cache.Redis.Addr != "" {
		// One client serves both the shared tier and the invalidation
		// pub/sub channel.
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.Redis.Addr})
		defer redisClient.Close()
		invalidator := cache.NewCacheInvalidator(respCache, redisClient)
		defer invalidator.Close()
		remote := cache.NewReadThrough(
			cache.NewMemoryTier(30*time.Second),
			cache.NewRedisTier(redisClient, cfg.Cache.Redis.KeyPrefix),
			10*time.Second,
		)
		respCache.SetRemoteBacking(remote, invalidator)
		go invalidator.Start(bgCtx)
	}
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryMs:       cfg.Breaker.RecoveryMs,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		ErrorPct:         cfg.Breaker.ErrorPct,
		WindowDuration:   cfg.Breaker.WindowMs,
	}
	disp := dispatcher.New(dispatcher.Config{
		DefaultMaxExecMs:      cfg.Dispatcher.DefaultMaxExecMs,
		DefaultMaxConcurrent:  cfg.Dispatcher.DefaultMaxConcurrent,
		BackpressureFactor:    cfg.Dispatcher.BackpressureFactor,
		BackpressureShrinkPct: cfg.Dispatcher.BackpressureShrinkPct,
	}, reg, respCache, breakerCfg, logging.Default())

	checkpoints := checkpoint.NewStore(time.Hour)
	progress := jobtracker.New(time.Hour)
	engine := orchestration.New(disp, reg, checkpoints, progress)

	// Security envelope: signing is the switch, encryption rides on top
	// of it for the operations named sensitive.
	if cfg.Secrets.Enabled && cfg.Secrets.MasterKey == "" && cfg.Secrets.MasterKeyFile == "" {
		return fmt.Errorf("secrets.enabled requires a master key or key file")
	}
	var envCodec *auth.EnvelopeCodec
	if cfg.Auth.SigningKey != "" {
		signer, err := auth.NewSigner(cfg.Auth.SigningKey)
		if err != nil {
			return fmt.Errorf("init envelope signer: %w", err)
		}
		var keyring *secrets.Keyring
		if cfg.Secrets.MasterKey != "" {
			keyring, err = secrets.NewKeyring(cfg.Secrets.MasterKey)
		} else if cfg.Secrets.MasterKeyFile != "" {
			keyring, err = secrets.NewKeyringFromFile(cfg.Secrets.MasterKeyFile)
		}
		if err != nil {
			return fmt.Errorf("init payload keyring: %w", err)
		}
		if keyring != nil && cfg.Secrets.RotationInterval > 0 {
			go keyring.StartRotation(bgCtx, cfg.Secrets.RotationInterval)
		}
		envCodec, err = auth.NewEnvelopeCodec(signer, keyring, cfg.Auth.SensitiveOps)
		if err != nil {
			return fmt.Errorf("init envelope codec: %w", err)
		}
		logging.Op().Info("worker envelope enabled", "encrypted_ops", len(cfg.Auth.SensitiveOps))
	} else if len(cfg.Auth.SensitiveOps) > 0 {
		return fmt.Errorf("auth.sensitive_ops configured without auth.signing_key")
	}

	var authenticators []auth.Authenticator
	if cfg.Auth.Enabled {
		if cfg.Auth.JWT.Enabled {
			jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
				Algorithm:     cfg.Auth.JWT.Algorithm,
				Secret:        cfg.Auth.JWT.Secret,
				PublicKeyFile: cfg.Auth.JWT.PublicKeyFile,
				Issuer:        cfg.Auth.JWT.Issuer,
			})
			if err != nil {
				return fmt.Errorf("init JWT authenticator: %w", err)
			}
			authenticators = append(authenticators, jwtAuth)
		}
		if cfg.Auth.APIKeys.Enabled {
			var staticKeys []auth.StaticKeyConfig
			for _, k := range cfg.Auth.APIKeys.StaticKeys {
				staticKeys = append(staticKeys, auth.StaticKeyConfig{
					Name: k.Name, Key: k.Key, Tier: k.Tier, Permissions: k.Permissions,
				})
			}
			authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{StaticKeys: staticKeys}))
		}
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog = audit.New(cfg.Audit.QueueSize)
		if cfg.Audit.PgDSN != "" {
			if sink, err := audit.NewPostgresSink(bgCtx, cfg.Audit.PgDSN); err != nil {
				logging.Op().Warn("audit postgres sink unavailable", "error", err)
			} else {
				go auditLog.RunSink(bgCtx, sink, 30*time.Second)
			}
		}
		if cfg.Audit.S3Bucket != "" {
			if archiver, err := audit.NewS3Archiver(bgCtx, cfg.Audit.S3Bucket); err != nil {
				logging.Op().Warn("audit s3 archiver unavailable", "error", err)
			} else {
				go auditLog.RunSink(bgCtx, archiver, 5*time.Minute)
			}
		}
	}

	ops := &admin.Ops{Registry: reg, Cache: respCache, Breakers: disp.Breakers(), Audit: auditLog, Envelope: envCodec}
	server := ingress.New(cfg, disp, engine, reg, respCache, ops, authenticators, auditLog)

	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := listenTCP(cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer = grpc.NewServer()
		healthSrv := health.NewServer()
		healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
		grpcadmin.NewServer(ops).Register(grpcServer)
		go func() {
			logging.Op().Info("gRPC health service started", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil {
				logging.Op().Error("gRPC server stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	logging.Op().Info("dispatch core started", "addr", cfg.Ingress.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logging.Op().Info("shutdown signal received")
	case err := <-errCh:
		logging.Op().Error("ingress server failed", "error", err)
	}

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func stopCmd() *cobra.Command {
	var pid int
	var sigName string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "request graceful shutdown of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The dispatch core has no remote stop endpoint by design — an
			// operator stops the process (signal, supervisor, container
			// runtime) to trigger the same graceful-shutdown path `start`
			// installs a signal handler for. --pid lets this command send
			// that signal itself rather than requiring a separate `kill`.
			if pid <= 0 {
				fmt.Fprintln(os.Stderr, "send SIGTERM to the running process to stop it gracefully, or pass --pid")
				return nil
			}
			sig, err := resolveSignal(sigName)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUsage)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUnspecified)
			}
			if err := proc.Signal(sig); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUnspecified)
			}
			os.Exit(exitOK)
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id of the running instance (omit to print manual-stop instructions)")
	cmd.Flags().StringVar(&sigName, "signal", "TERM", "signal name to send, e.g. TERM, INT, HUP")
	return cmd
}

// resolveSignal translates a bare signal name (with or without the "SIG"
// prefix) to a syscall.Signal via golang.org/x/sys/unix's name table,
// since os.Signal carries no name-to-number lookup of its own and the
// set of valid names is platform-dependent.
func resolveSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	num := unix.SignalNum("SIG" + name)
	if num == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return num, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "query a running instance's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUsage)
			}
			out, status, err := newAdminClient(cfg).get("/health")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUnspecified)
			}
			if status != http.StatusOK {
				os.Exit(exitRegistryError)
			}
			b, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(b))
			os.Exit(exitOK)
			return nil
		},
	}
}

func registerWorkerCmd() *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "register-worker",
		Short: "register a worker definition with a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUsage)
			}
			body, err := os.ReadFile(specFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUsage)
			}
			admin := newAdminClient(cfg)
			resp, err := admin.client.Post(admin.baseURL+"/admin/register-worker", "application/json", bytesReader(body))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitUnspecified)
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				os.Exit(exitOK)
			case http.StatusUnauthorized, http.StatusForbidden:
				os.Exit(exitAuthError)
			default:
				os.Exit(exitRegistryError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specFile, "spec", "", "path to a JSON worker spec (WorkerDef fields plus \"endpoint\")")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func unregisterWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister-worker <name>",
		Short: "remove a worker from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUsage)
			}
			_, status, err := newAdminClient(cfg).post("/admin/unregister-worker?name=" + args[0])
			exitOnAdminResult(status, err)
			return nil
		},
	}
	return cmd
}

func invalidateCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate-cache <pattern>",
		Short: "evict matching entries from the response cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUsage)
			}
			out, status, err := newAdminClient(cfg).post("/admin/invalidate-cache?pattern=" + args[0])
			exitOnAdminResult(status, err)
			b, _ := json.Marshal(out)
			fmt.Println(string(b))
			return nil
		},
	}
	return cmd
}

func circuitResetCmd() *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:   "circuit-reset <worker>",
		Short: "force a worker's circuit breaker(s) closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				os.Exit(exitUsage)
			}
			path := "/admin/circuit-reset?worker=" + args[0]
			if operation != "" {
				path += "&operation=" + operation
			}
			_, status, err := newAdminClient(cfg).post(path)
			exitOnAdminResult(status, err)
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "restrict the reset to one operation (default: all)")
	return cmd
}

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func exitOnAdminResult(status int, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUnspecified)
	}
	switch status {
	case http.StatusOK:
		os.Exit(exitOK)
	case http.StatusUnauthorized, http.StatusForbidden:
		os.Exit(exitAuthError)
	case http.StatusNotFound:
		os.Exit(exitRegistryError)
	default:
		os.Exit(exitUnspecified)
	}
}
