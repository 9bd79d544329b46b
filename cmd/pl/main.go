package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"payline/internal/app"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/repo"
	"payline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Payline CLI",
	Long: `Payline escrows funds into time-based payment streams and tracks worker
reputation, all backed by an append-only event log.

- Workspace: the .payline directory holds the database; payline.yml holds config.
- Accounts: payers deposit funds before opening streams.
- Streams: escrowed money drips from payer to worker pro rata over a duration;
  release moves earned funds, claim pays them out, cancel settles both sides.
- Reputation: recorders log completed tasks and disputes; scores stay in 0..1000.
- Event log: every mutation leaves an entry, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting principal")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(repCmd())
	rootCmd.AddCommand(recorderCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if admin == "" {
				admin = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.InitLedger(ctx, admin); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"admin": admin})
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "admin principal (defaults to --actor-id)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default payline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			target := config.Path(workspace)
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			if admin == "" {
				admin = viper.GetString("actor-id")
			}
			if err := os.WriteFile(target, []byte(config.GenerateDefault(admin)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "admin principal (defaults to --actor-id)")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	acc.AddCommand(accountDepositCmd())
	acc.AddCommand(accountShowCmd())
	return acc
}

func accountDepositCmd() *cobra.Command {
	var principal string
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit funds into an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller := viper.GetString("actor-id")
			if principal == "" {
				principal = caller
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Deposit(ctx, caller, principal, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "account principal (defaults to --actor-id)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in smallest currency unit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [principal]",
		Short: "Show an account balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := viper.GetString("actor-id")
			if len(args) == 1 {
				principal = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAccount(ctx, principal)
				if errors.Is(err, repo.ErrNotFound) {
					a = domain.Account{Principal: principal}
				} else if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func streamCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stream",
		Short: "Manage payment streams",
		Long:  "Streams escrow a total amount that drips to the worker over a duration. Releases are pro rata, rate limited by the release interval. Claims pay the worker through the treasury.",
	}
	st.AddCommand(streamCreateCmd())
	st.AddCommand(streamActionCmd("release", "Release earned funds", engine.Engine.ReleasePayment))
	st.AddCommand(streamActionCmd("claim", "Claim released funds", engine.Engine.ClaimEarnings))
	st.AddCommand(streamActionCmd("pause", "Pause a stream", engine.Engine.PauseStream))
	st.AddCommand(streamActionCmd("resume", "Resume a paused stream", engine.Engine.ResumeStream))
	st.AddCommand(streamActionCmd("cancel", "Cancel a stream and settle", engine.Engine.CancelStream))
	st.AddCommand(streamShowCmd())
	st.AddCommand(streamListCmd())
	return st
}

func streamCreateCmd() *cobra.Command {
	var opts engine.StreamCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a payment stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStream(ctx, viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Worker, "worker", "", "worker principal")
	cmd.Flags().Int64Var(&opts.TotalAmount, "total", 0, "total amount in smallest currency unit")
	cmd.Flags().Int64Var(&opts.Duration, "duration", 0, "stream duration in seconds")
	cmd.Flags().Int64Var(&opts.ReleaseInterval, "interval", 0, "minimum seconds between releases")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("total")
	_ = cmd.MarkFlagRequired("duration")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

func streamActionCmd(verb, short string, action func(engine.Engine, context.Context, string, int64) (domain.Stream, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid stream id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := action(e, ctx, viper.GetString("actor-id"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func streamShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid stream id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStream(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func streamListCmd() *cobra.Command {
	var principal string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				principal = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var streams []domain.Stream
				var err error
				if all {
					streams, err = e.Repo.ListStreams(ctx)
				} else {
					streams, err = e.ListStreamsFor(ctx, principal)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(streams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Payer", "Total", "Released", "Claimed", "Status"})
				for _, s := range streams {
					tw.AppendRow(table.Row{s.ID, s.Worker, s.Payer, s.TotalAmount, s.ReleasedAmount, s.ClaimedAmount, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "filter by worker or payer (defaults to --actor-id)")
	cmd.Flags().BoolVar(&all, "all", false, "list all streams")
	return cmd
}

func repCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "rep",
		Short: "Worker reputation",
		Long:  "Recorders log completed tasks and disputes against workers. Scores start at 100, move with each record, and stay within 0..1000.",
	}
	rep.AddCommand(repRecordCmd())
	rep.AddCommand(repDisputeCmd())
	rep.AddCommand(repShowCmd())
	rep.AddCommand(repSetScoreCmd())
	return rep
}

func repRecordCmd() *cobra.Command {
	var taskID string
	var onTime bool
	var rating int64
	cmd := &cobra.Command{
		Use:   "record <worker>",
		Short: "Record a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordCompletion(ctx, viper.GetString("actor-id"), args[0], taskID, onTime, rating)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task reference for the event log")
	cmd.Flags().BoolVar(&onTime, "on-time", false, "task was delivered on time")
	cmd.Flags().Int64Var(&rating, "rating", 0, "client rating 1..5 (0 = unrated)")
	return cmd
}

func repDisputeCmd() *cobra.Command {
	var taskID string
	var severity int64
	cmd := &cobra.Command{
		Use:   "dispute <worker>",
		Short: "Record a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordDispute(ctx, viper.GetString("actor-id"), args[0], taskID, severity)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task reference for the event log")
	cmd.Flags().Int64Var(&severity, "severity", 1, "dispute severity 1..5")
	return cmd
}

func repShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <worker>",
		Short: "Show a worker's reputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetReputation(ctx, args[0])
				if err != nil {
					return err
				}
				rate, err := e.CompletionRate(ctx, args[0])
				if err != nil {
					return err
				}
				avg, err := e.AverageRating(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"record":              rec,
					"completion_rate_bp":  rate,
					"average_rating_x100": avg,
				})
			})
		},
	}
	return cmd
}

func repSetScoreCmd() *cobra.Command {
	var score int64
	cmd := &cobra.Command{
		Use:   "set-score <worker>",
		Short: "Set a worker's score (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.UpdateScore(ctx, viper.GetString("actor-id"), args[0], score)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().Int64Var(&score, "score", 0, "new score 0..1000")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func recorderCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "recorder",
		Short: "Manage recorder capability",
	}
	rec.AddCommand(&cobra.Command{
		Use:   "add <principal>",
		Short: "Grant recorder capability (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddRecorder(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	})
	rec.AddCommand(&cobra.Command{
		Use:   "remove <principal>",
		Short: "Revoke recorder capability (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveRecorder(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	})
	rec.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRecorders(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return rec
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Ledger administration",
	}
	admin.AddCommand(&cobra.Command{
		Use:   "transfer <principal>",
		Short: "Transfer the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.TransferAdmin(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	})
	admin.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.Repo.GetAdmin(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"admin": who})
			})
		},
	})
	return admin
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "plk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: viper.GetString("actor-id"),
				Name:    name,
				KeyHash: repo.HashAPIKey(raw),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is only shown once.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: deposits, stream changes, reputation records, and role changes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, kind, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("PAYLINE_JWT_SECRET"),
				EnableDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PAYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Payline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable /auth/dev/login")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
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
