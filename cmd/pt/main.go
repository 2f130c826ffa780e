package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pharmatrace/internal/app"
	"pharmatrace/internal/config"
	"pharmatrace/internal/db"
	"pharmatrace/internal/domain"
	"pharmatrace/internal/engine"
	"pharmatrace/internal/repo"
	"pharmatrace/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pt",
	Short: "Pharmatrace CLI",
	Long: `Pharmatrace tracks pharmaceutical batches along their custody chain.
A batch moves Manufactured -> Distributed -> Retailed -> Sold, never backwards.
The authoritative chain lives on the ledger; the workspace keeps a queryable
mirror with verification history, audit events and cold-chain compliance.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("PHARMATRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting party identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(tempCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(qrCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default pharmatrace.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{Use: "batch", Short: "Manage batches"}
	b.AddCommand(batchManufactureCmd())
	b.AddCommand(batchTransitionCmd("distribute", "Move a batch into distribution"))
	b.AddCommand(batchTransitionCmd("retail", "Move a batch onto a retailer's shelf"))
	b.AddCommand(batchSellCmd())
	b.AddCommand(batchShowCmd())
	b.AddCommand(batchListCmd())
	return b
}

func batchManufactureCmd() *cobra.Command {
	var opts struct {
		id, name, manufacturer, mfd, expiry string
		minTemp, maxTemp                    float64
	}
	cmd := &cobra.Command{
		Use:   "manufacture",
		Short: "Register a manufactured batch on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.mfd == "" {
				opts.mfd = time.Now().UTC().Format(time.RFC3339)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.Manufacture(ctx, engine.ManufactureOptions{
					BatchID:         opts.id,
					Name:            opts.name,
					Manufacturer:    opts.manufacturer,
					ManufactureDate: opts.mfd,
					ExpiryDate:      opts.expiry,
					MinTemp:         opts.minTemp,
					MaxTemp:         opts.maxTemp,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "batch id")
	cmd.Flags().StringVar(&opts.name, "name", "", "drug name")
	cmd.Flags().StringVar(&opts.manufacturer, "manufacturer", "", "manufacturer name")
	cmd.Flags().StringVar(&opts.mfd, "manufacture-date", "", "manufacture date (RFC 3339)")
	cmd.Flags().StringVar(&opts.expiry, "expiry-date", "", "expiry date (RFC 3339)")
	cmd.Flags().Float64Var(&opts.minTemp, "min-temp", 2, "minimum storage temperature")
	cmd.Flags().Float64Var(&opts.maxTemp, "max-temp", 8, "maximum storage temperature")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("manufacturer")
	_ = cmd.MarkFlagRequired("expiry-date")
	return cmd
}

func batchTransitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				actor := viper.GetString("actor-id")
				var (
					b   domain.Batch
					err error
				)
				switch action {
				case "distribute":
					b, err = a.Engine.Distribute(ctx, args[0], actor)
				case "retail":
					b, err = a.Engine.Retail(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchSellCmd() *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "sell <batch-id>",
		Short: "Sell a batch to a consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.Sell(ctx, args[0], consumer, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer id")
	_ = cmd.MarkFlagRequired("consumer")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch with its verification history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				history, err := a.Engine.History(ctx, args[0], 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"batch":         b,
					"is_expired":    b.Expired(time.Now()),
					"verifications": history,
				})
			})
		},
	}
}

func batchListCmd() *cobra.Command {
	var f repo.BatchFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				batches, err := a.Engine.Repo.ListBatches(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "Name", "Status", "Compliant", "Verified", "Expiry"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.BatchID, b.Name, b.Status, b.TempCompliant, b.VerificationCount, b.ExpiryDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Manufacturer, "manufacturer", "", "manufacturer filter")
	cmd.Flags().StringVar(&f.Search, "search", "", "substring match on id or name")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func verifyCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "verify <batch-id>",
		Short: "Verify a batch against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Verify(ctx, args[0], viper.GetString("actor-id"), method)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "api", "verification method (ledger, api, qr_scan)")
	return cmd
}

func tempCmd() *cobra.Command {
	t := &cobra.Command{Use: "temp", Short: "Cold chain compliance"}
	t.AddCommand(tempLogCmd())
	return t
}

func tempLogCmd() *cobra.Command {
	var batchID, tsFlag string
	var value float64
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Evaluate a temperature reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return fmt.Errorf("--batch required")
			}
			ts := time.Now()
			if tsFlag != "" {
				parsed, err := time.Parse(time.RFC3339, tsFlag)
				if err != nil {
					return fmt.Errorf("--ts must be RFC 3339: %w", err)
				}
				ts = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.LogTemperature(ctx, batchID, value, ts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().Float64Var(&value, "value", 0, "temperature reading")
	cmd.Flags().StringVar(&tsFlag, "ts", "", "reading timestamp (RFC 3339, default now)")
	_ = cmd.MarkFlagRequired("batch")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func syncCmd() *cobra.Command {
	s := &cobra.Command{Use: "sync", Short: "Reconcile the mirror from the ledger"}
	s.AddCommand(&cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Reconcile one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.SyncBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Reconcile every known batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				report, err := a.Engine.SyncAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show reconciliation backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ids, err := a.Engine.Repo.ListSyncCandidates(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"candidates": len(ids), "batch_ids": ids})
			})
		},
	})
	return s
}

func companyCmd() *cobra.Command {
	c := &cobra.Command{Use: "company", Short: "Manage supply chain parties"}
	c.AddCommand(companyRegisterCmd())
	c.AddCommand(companyListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "verify <company-id>",
		Short: "Mark a company's license as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Engine.Repo.MarkCompanyVerified(ctx, args[0], now); err != nil {
					return err
				}
				company, err := a.Engine.Repo.GetCompany(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(company)
			})
		},
	})
	return c
}

func companyRegisterCmd() *cobra.Command {
	var c domain.Company
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a supply chain party",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				registered, err := a.Engine.RegisterCompany(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrTable(registered)
			})
		},
	}
	cmd.Flags().StringVar(&c.ID, "id", "", "company id")
	cmd.Flags().StringVar(&c.Name, "name", "", "company name")
	cmd.Flags().StringVar(&c.Role, "role", "", "role (manufacturer, distributor, retailer)")
	cmd.Flags().StringVar(&c.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&c.Phone, "phone", "", "contact phone")
	cmd.Flags().StringVar(&c.LicenseNumber, "license", "", "license number")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func companyListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				companies, err := a.Engine.Repo.ListCompanies(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(companies)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Verified", "Active"})
				for _, c := range companies {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Role, c.IsVerified, c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting party (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key := uuid.NewString()
				record := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, record); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": record.ID, "key": key})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var evtType, batchID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, batchID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&batchID, "batch", "", "batch id filter")
	l.AddCommand(tail)
	return l
}

func qrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qr <batch-id>",
		Short: "Print the QR verification payload for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if _, err := a.Engine.GetBatch(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"batch_id": args[0],
					"url":      a.Engine.VerificationURL(args[0]),
				})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "pharmatrace ", log.LstdFlags)
			a, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			secret := os.Getenv("PHARMATRACE_JWT_SECRET")
			if secret == "" {
				secret = a.Config.Server.JWTSecret
			}
			authCfg := server.AuthConfig{
				JWTSecret:              secret,
				AllowLegacyActorHeader: secret == "",
				Logger:                 logger,
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pharmatrace API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	logger := log.New(os.Stderr, "pharmatrace ", log.LstdFlags)
	a, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
