// Command reauth levanta el servicio de autenticación: engine + plugins +
// adapter HTTP. También trae subcomandos de operación (introspect, keys).
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SOG-web/reauth/internal/cache"
	"github.com/SOG-web/reauth/internal/config"
	"github.com/SOG-web/reauth/internal/email"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/httpadapter"
	jwtx "github.com/SOG-web/reauth/internal/jwt"
	"github.com/SOG-web/reauth/internal/metrics"
	"github.com/SOG-web/reauth/internal/oauth"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/password"
	"github.com/SOG-web/reauth/internal/security/secretbox"
	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"
	merstore "github.com/SOG-web/reauth/internal/storage/memory"
	pgstore "github.com/SOG-web/reauth/internal/storage/postgres"
	"github.com/SOG-web/reauth/plugins/emailpassword"
	"github.com/SOG-web/reauth/plugins/jwtplugin"
	"github.com/SOG-web/reauth/plugins/mcpauth"
	oauthplugin "github.com/SOG-web/reauth/plugins/oauth"
	"github.com/SOG-web/reauth/plugins/phonepassword"
	"github.com/SOG-web/reauth/plugins/sessionplugin"
	"github.com/SOG-web/reauth/plugins/twofactor"
	"github.com/SOG-web/reauth/plugins/username"
)

// version se inyecta con -ldflags en el build.
var version = "dev"

func main() {
	// .env es opcional; en prod la config llega por env real.
	_ = godotenv.Load()

	cfgPath := envOr("REAUTH_CONFIG", "reauth.yaml")

	root := &cobra.Command{
		Use:           "reauth",
		Short:         "Pluggable authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "ruta del YAML de configuración (env REAUTH_CONFIG)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(introspectCmd(&cfgPath))
	root.AddCommand(keysCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Arranca el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			initLogger(cfg)
			defer logger.L().Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := wire(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()

			if cfg.JWT.Rotation {
				app.keystore.StartRotation(ctx, config.Duration(cfg.JWT.RotationInterval), func(err error) {
					logger.L().Error("key rotation failed", logger.Err(err))
				})
			}
			if cfg.Cleanup.Enabled {
				app.engine.Cleanup().Start(ctx)
				defer app.engine.Cleanup().Stop()
			}

			mux := httpadapter.New(app.engine, httpadapter.Options{
				BasePath:           cfg.Server.BasePath,
				CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
				Limiter:            app.limiter,
				Metrics:            true,
			})

			logger.L().Info("reauth listening",
				zap.String("addr", cfg.Server.Addr),
				zap.String("env", cfg.App.Env),
				zap.String("version", version),
			)
			return httpadapter.Serve(ctx, cfg.Server.Addr, mux)
		},
	}
}

func introspectCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "introspect",
		Short: "Imprime el catálogo de plugins y steps como JSON (sin servir)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			initLogger(cfg)

			ctx := cmd.Context()
			app, err := wire(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()

			b, err := json.MarshalIndent(app.engine.Introspect(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func keysCmd(cfgPath *string) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Operaciones sobre las claves de firma",
	}

	keys.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Rota la clave activa (la anterior queda en gracia)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			initLogger(cfg)

			ctx := cmd.Context()
			orm, closeOrm, err := buildStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeOrm()

			ks := jwtx.NewKeystore(orm, 2*config.Duration(cfg.JWT.RotationInterval))
			if err := ks.EnsureBootstrap(ctx); err != nil {
				return err
			}
			if err := ks.Rotate(ctx); err != nil {
				return err
			}
			kid, _, _, err := ks.Active(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("rotated, active kid=%s\n", kid)
			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lista las claves que verifican actualmente",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			initLogger(cfg)

			ctx := cmd.Context()
			orm, closeOrm, err := buildStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeOrm()

			ks := jwtx.NewKeystore(orm, 2*config.Duration(cfg.JWT.RotationInterval))
			rows, err := ks.VerifyingKeys(ctx)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Printf("%s\t%s\t%s\n", r.String("kid"), r.String("status"), r.Time("created_at").Format(time.RFC3339))
			}
			return nil
		},
	})

	return keys
}

// app agrupa lo que arma wire para que los comandos lo cierren ordenado.
type app struct {
	engine   *engine.Engine
	keystore *jwtx.Keystore
	limiter  rate.Limiter
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wire arma el grafo completo: storage, cache, keystore, servicios y todos
// los plugins según la config.
func wire(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := metrics.Register(nil); err != nil {
		return nil, err
	}

	a := &app{}

	orm, closeOrm, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeOrm)

	cacheClient, err := cache.New(cache.Config{
		Driver: cfg.Cache.Kind,
		Addr:   cfg.Cache.Redis.Addr,
		DB:     cfg.Cache.Redis.DB,
		Prefix: cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = cacheClient.Close() })

	if cfg.Rate.Enabled {
		a.limiter = rate.NewCacheLimiter(cacheClient, "rl",
			cfg.Rate.Login.Limit, config.Duration(cfg.Rate.Login.Window))
	}

	// JWT: keystore EdDSA con rotación y gracia de 2 intervalos.
	ks := jwtx.NewKeystore(orm, 2*config.Duration(cfg.JWT.RotationInterval))
	if err := ks.EnsureBootstrap(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.keystore = ks

	issuerName := cfg.JWT.Issuer
	if issuerName == "" {
		issuerName = "reauth"
	}
	issuer := jwtx.NewIssuer(issuerName, ks)
	tokens := jwtx.NewService(orm, issuer, config.Duration(cfg.JWT.RefreshTTL), cfg.JWT.Rotation)

	sessionTTL := config.Duration(cfg.Session.TTL)
	sessions := session.NewService(orm, sessionTTL)

	eng := engine.New(orm,
		engine.WithSessionService(sessions),
		engine.WithTokenService(tokens),
		engine.WithVersion(version),
		engine.WithEnvFunc(func() string {
			if v := os.Getenv("APP_ENV"); v != "" {
				return v
			}
			return cfg.App.Env
		}),
	)
	a.engine = eng

	policy := password.Policy{
		MinLength:     cfg.Security.PasswordPolicy.MinLength,
		RequireUpper:  cfg.Security.PasswordPolicy.RequireUpper,
		RequireLower:  cfg.Security.PasswordPolicy.RequireLower,
		RequireDigit:  cfg.Security.PasswordPolicy.RequireDigit,
		RequireSymbol: cfg.Security.PasswordPolicy.RequireSymbol,
	}

	var sender email.Sender = email.LogSender{}
	if cfg.SMTP.Host != "" {
		s := email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
		if cfg.SMTP.TLS != "" {
			s.TLSMode = cfg.SMTP.TLS
		}
		s.InsecureSkipVerify = cfg.SMTP.InsecureSkipVerify
		sender = s
	}

	plugins := []engine.Plugin{
		emailpassword.New(emailpassword.Config{
			RequireVerification: true,
			SessionTTL:          sessionTTL,
			Policy:              policy,
			BlacklistPath:       cfg.Security.PasswordBlacklistPath,
			Sender:              sender,
			Limiter:             a.limiter,
			CleanupInterval:     config.Duration(cfg.Cleanup.Interval),
			CleanupEnabled:      cfg.Cleanup.Enabled,
		}),
		phonepassword.New(phonepassword.Config{
			RequireVerification: true,
			SessionTTL:          sessionTTL,
			Policy:              policy,
			Limiter:             a.limiter,
			CleanupInterval:     config.Duration(cfg.Cleanup.Interval),
			CleanupEnabled:      cfg.Cleanup.Enabled,
		}),
		username.New(username.Config{
			SessionTTL:    sessionTTL,
			Policy:        policy,
			BlacklistPath: cfg.Security.PasswordBlacklistPath,
			Limiter:       a.limiter,
		}),
		sessionplugin.New(sessionplugin.Config{
			CleanupInterval: config.Duration(cfg.Cleanup.Interval),
			CleanupEnabled:  cfg.Cleanup.Enabled,
		}),
		jwtplugin.New(jwtplugin.Config{
			Keystore:        ks,
			CleanupInterval: config.Duration(cfg.Cleanup.Interval),
			CleanupEnabled:  cfg.Cleanup.Enabled,
		}),
		mcpauth.New(mcpauth.Config{
			Limiter:         a.limiter,
			CleanupInterval: config.Duration(cfg.Cleanup.Interval),
			CleanupEnabled:  cfg.Cleanup.Enabled,
		}),
	}

	if providers := buildOAuthProviders(cfg); len(providers) > 0 {
		plugins = append(plugins, oauthplugin.New(oauthplugin.Config{
			Providers:  providers,
			Cache:      cacheClient,
			SessionTTL: sessionTTL,
		}))
	}

	if cfg.Security.SecretBoxKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Security.SecretBoxKey)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("security.secretbox_key: %w", err)
		}
		box, err := secretbox.New(key)
		if err != nil {
			a.close()
			return nil, err
		}
		plugins = append(plugins, twofactor.New(twofactor.Config{
			Issuer:      issuerName,
			Box:         box,
			MaxFailures: int64(cfg.Rate.Lockout.MaxFailures),
			Window:      config.Duration(cfg.Rate.Lockout.Window),
			LockFor:     config.Duration(cfg.Rate.Lockout.LockFor),
		}))
	}

	for _, p := range plugins {
		if err := eng.Register(p); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Orm, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		st, err := pgstore.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return merstore.New(), func() {}, nil
	}
}

func buildOAuthProviders(cfg *config.Config) map[string]oauth.Provider {
	providers := map[string]oauth.Provider{}
	if g := cfg.Providers.Google; g.Enabled {
		providers["google"] = oauth.NewGoogle(g.ClientID, g.ClientSecret, g.RedirectURL)
	}
	if gh := cfg.Providers.GitHub; gh.Enabled {
		providers["github"] = oauth.NewGitHub(gh.ClientID, gh.ClientSecret, gh.RedirectURL)
	}
	return providers
}

func initLogger(cfg *config.Config) {
	env := "dev"
	if cfg.App.Env == "production" || cfg.App.Env == "staging" {
		env = "prod"
	}
	logger.Init(logger.Config{
		Env:         env,
		Level:       envOr("LOG_LEVEL", "info"),
		ServiceName: "reauth",
		Version:     version,
	})
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
