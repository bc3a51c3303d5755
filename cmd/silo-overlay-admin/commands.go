package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/logging"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Root returns the admin command tree. Connection settings come from flags,
// then DATABASE_URL / JWT_SECRET (a .env file is honoured).
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "silo-overlay-admin",
		Short:         "Manage silo-overlay tenants, migrations and device certificates",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			logging.InitTo(os.Stderr, viper.GetString("log.level"))
		},
	}

	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	cmd.PersistentFlags().String("log-level", logging.LevelWarning, "Log level")
	_ = viper.BindPFlag("db.url", cmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("jwt.jwt_secret", "JWT_SECRET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(Migrate())
	cmd.AddCommand(Tenant())
	cmd.AddCommand(Token())
	cmd.AddCommand(Pool())
	cmd.AddCommand(Certs())

	return cmd
}

func Migrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply public and per-tenant migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *pgxpool.Pool, store *tenancy.Store) error {
				if err := tenancy.NewManager(store, viper.GetString("db.url")).MigrateAll(ctx); err != nil {
					return err
				}
				fmt.Println("Migrations applied")
				return nil
			})
		},
	}
}

func Tenant() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Create and manage tenants",
	}

	var name, slug string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and its namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *pgxpool.Pool, store *tenancy.Store) error {
				t, err := tenancy.NewManager(store, viper.GetString("db.url")).CreateTenant(ctx, name, slug)
				if err != nil {
					return err
				}
				fmt.Printf("Tenant created\n  ID:     %s\n  Slug:   %s\n  Schema: %s\n", t.ID, t.Slug, t.SchemaName)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name")
	create.Flags().StringVar(&slug, "slug", "", "Slug, also used to derive the schema name")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("slug")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, _ *pgxpool.Pool, store *tenancy.Store) error {
				tenants, err := store.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSLUG\tSCHEMA\tSTATE")
				for _, t := range tenants {
					state := "available"
					if err := t.Available(); err != nil {
						state = strings.TrimPrefix(err.Error(), tenancy.ErrTenantUnavailable.Error()+": ")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Slug, t.SchemaName, state)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(create, list)
	cmd.AddCommand(tenantAction("suspend", "Suspend a tenant", (*tenancy.Manager).Suspend))
	cmd.AddCommand(tenantAction("resume", "Resume a suspended tenant", (*tenancy.Manager).Resume))
	cmd.AddCommand(tenantAction("terminate", "Terminate a tenant and drop its namespace", (*tenancy.Manager).Terminate))
	return cmd
}

func tenantAction(use, short string, action func(*tenancy.Manager, context.Context, uuid.UUID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withStore(cmd.Context(), func(ctx context.Context, _ *pgxpool.Pool, store *tenancy.Store) error {
				if err := action(tenancy.NewManager(store, viper.GetString("db.url")), ctx, id); err != nil {
					return err
				}
				fmt.Printf("Tenant %s: %s done\n", id, use)
				return nil
			})
		},
	}
}

func Token() *cobra.Command {
	var operator, role string
	var expiryHours int

	cmd := &cobra.Command{
		Use:   "token <tenant-id>",
		Short: "Issue an operator token bound to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			cfg := auth.Config{JWTSecret: viper.GetString("jwt.jwt_secret"), TokenExpiryHours: expiryHours}
			return withStore(cmd.Context(), func(ctx context.Context, _ *pgxpool.Pool, store *tenancy.Store) error {
				token, err := auth.NewService(store, cfg).IssueToken(ctx, id, operator, role)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name embedded in the token")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or admin")
	cmd.Flags().IntVar(&expiryHours, "expiry-hours", 24, "Token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func Pool() *cobra.Command {
	return &cobra.Command{
		Use:   "pool <tenant-id>",
		Short: "Show the tenant address pool usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withStore(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool, store *tenancy.Store) error {
				switcher := tenancy.NewSwitcher(store, tenancy.NewPgUnitOfWork(pool))
				var p *ipam.Pool
				err := switcher.WithTenant(ctx, id, func(ctx context.Context) error {
					t, err := tunnel.NewPgStore().ActiveTunnel(ctx)
					if err != nil {
						return err
					}
					p, err = ipam.NewPgStore().GetByTunnel(ctx, t.ID)
					return err
				})
				if err != nil {
					return err
				}
				fmt.Printf("CIDR:      %s\nGateway:   %s\nAllocated: %d / %d (%.2f%%)\nAvailable: %d\nStatus:    %s\n",
					p.CIDR, p.Gateway, p.Allocated, p.Total, p.UsagePercentage(), p.Available, p.Status)
				return nil
			})
		},
	}
}

// Certs manages the mTLS material for the device management channel. It needs
// no database.
func Certs() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Issue certificates for the device management channel",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "./certs", "Directory holding the CA and issued certificates")

	controller := &cobra.Command{
		Use:   "controller",
		Short: "Create the CA if needed and issue the controller client certificate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pki := devicerpc.NewPKI(dir)
			if _, err := pki.IssueClient("controller"); err != nil {
				return err
			}
			fmt.Printf("CA:          %s\nCertificate: %s\nKey:         %s\n",
				pki.CACertPath(), pki.CertPath("controller"), pki.KeyPath("controller"))
			return nil
		},
	}

	var addresses []string
	device := &cobra.Command{
		Use:   "device <device-id>",
		Short: "Issue a server certificate for a device agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ips []net.IP
			var names []string
			for _, a := range addresses {
				if ip := net.ParseIP(a); ip != nil {
					ips = append(ips, ip)
				} else {
					names = append(names, a)
				}
			}
			pki := devicerpc.NewPKI(dir)
			if _, err := pki.IssueDevice(args[0], ips, names); err != nil {
				return err
			}
			fmt.Printf("Certificate: %s\nKey:         %s\n", pki.CertPath(args[0]), pki.KeyPath(args[0]))
			return nil
		},
	}
	device.Flags().StringSliceVar(&addresses, "address", nil, "Overlay IP or DNS name of the device (repeatable)")
	_ = device.MarkFlagRequired("address")

	cmd.AddCommand(controller, device)
	return cmd
}

func withStore(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool, store *tenancy.Store) error) error {
	url := viper.GetString("db.url")
	if url == "" {
		return fmt.Errorf("database url is required (use --database-url or DATABASE_URL)")
	}
	if err := db.RunMigrations(url); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	pool, err := db.InitDB(ctx, db.Config{Url: url, MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, tenancy.NewStore(pool))
}
