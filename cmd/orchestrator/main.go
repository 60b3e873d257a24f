package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"game_mas/internal/api"
	"game_mas/internal/app"
	"game_mas/internal/config"
	"game_mas/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "game_mas",
	Short: "Game multi-agent orchestrator",
	Long: `game_mas runs a set of cooperating game agents behind one orchestrator.
- balancer agents buffer gameplay telemetry, analyse each window and record difficulty suggestions.
- environment agents drive the weather and day/night lighting.
- npc and content agents forward generation work to a remote generator service.
Every agent decision is journaled to the configured store.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("GAME_MAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to a .toml or .yaml config file")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver override: sqlite, postgres or memory")
	rootCmd.PersistentFlags().String("db", "", "sqlite database path override")
	rootCmd.PersistentFlags().String("database-url", "", "postgres connection url override")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("store-driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(agentsCmd())
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Store.Driver = firstNonEmpty(viper.GetString("store-driver"), cfg.Store.Driver)
	cfg.Store.Path = firstNonEmpty(viper.GetString("db"), cfg.Store.Path)
	cfg.Store.DatabaseURL = firstNonEmpty(viper.GetString("database-url"), cfg.Store.DatabaseURL)
	cfg.Server.Addr = firstNonEmpty(viper.GetString("addr"), cfg.Server.Addr)
	cfg.Server.BasePath = firstNonEmpty(viper.GetString("base-path"), cfg.Server.BasePath)
	cfg.Server.JWTSecret = firstNonEmpty(viper.GetString("jwt-secret"), cfg.Server.JWTSecret)
	cfg.NATS.URL = firstNonEmpty(viper.GetString("nats-url"), cfg.NATS.URL)
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func withStore(ctx context.Context, fn func(ctx context.Context, store app.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		_ = store.Close()
	}()
	return fn(ctx, store)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agents and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.Build(ctx, cfg, log.Default())
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			a.Start(ctx)

			handler, err := api.New(api.Config{
				Service:        a,
				BasePath:       cfg.Server.BasePath,
				Auth:           api.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				IdempotencyTTL: cfg.Server.IdempotencyTTL(),
				Logger:         log.Default(),
			})
			if err != nil {
				return err
			}
			server := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           loggingMiddleware(handler),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			log.Printf(
				"game_mas started addr=%s base_path=%s store=%s agents=%d auth=%t",
				cfg.Server.Addr,
				cfg.Server.BasePath,
				cfg.Store.Driver,
				len(cfg.Agents),
				cfg.Server.JWTSecret != "",
			)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			cancel()
			a.Wait()
			return nil
		},
	}
	cmd.Flags().String("addr", "", "http listen address override")
	cmd.Flags().String("base-path", "", "API base path override")
	cmd.Flags().String("jwt-secret", "", "HS256 secret enabling bearer auth")
	cmd.Flags().String("nats-url", "", "publish adjustments to this NATS server")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("nats-url", cmd.Flags().Lookup("nats-url"))
	return cmd
}

func replayCmd() *cobra.Command {
	var file, agentID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSONL telemetry file to a balancer agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) == "" {
				return errors.New("--file is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open telemetry file: %w", err)
			}
			defer f.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a, err := app.Build(ctx, cfg, log.New(os.Stderr, "", log.LstdFlags))
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			a.Start(ctx)
			defer a.Wait()
			defer cancel()

			summary, err := a.Replay(ctx, agentID, f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(summary)
			}
			printReplaySummary(summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSONL file with one telemetry record per line")
	cmd.Flags().StringVar(&agentID, "agent", "balancer-1", "balancer agent id")
	return cmd
}

func printReplaySummary(s app.ReplaySummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Records", "Pending", "Analyses", "Failed"})
	tw.AppendRow(table.Row{s.Records, s.Pending, len(s.Analyses), s.Failed})
	tw.Render()

	if len(s.Analyses) > 0 {
		at := table.NewWriter()
		at.SetOutputMirror(os.Stdout)
		at.AppendHeader(table.Row{"#", "Samples", "Success", "Avg time", "Anomalies", "Suggestions"})
		for i, an := range s.Analyses {
			at.AppendRow(table.Row{
				i + 1,
				an.SampleSize,
				fmt.Sprintf("%.2f", an.SuccessRate),
				fmt.Sprintf("%.1f", an.AverageCompletionTime),
				len(an.Anomalies),
				strings.Join(s.Suggestions[i], "; "),
			})
		}
		at.Render()
	}
	for _, e := range s.Errors {
		fmt.Println("skipped:", e)
	}
}

func historyCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded difficulty adjustments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store app.Store) error {
				entries, err := store.ListAdjustments(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				printHistory(entries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "balancer-1", "agent id")
	return cmd
}

func printHistory(entries []domain.AdjustmentEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Time", "Samples", "Success", "Avg time", "Anomalies", "Suggestions"})
	for _, e := range entries {
		tw.AppendRow(table.Row{
			e.Timestamp.Local().Format(time.DateTime),
			e.Analysis.SampleSize,
			fmt.Sprintf("%.2f", e.Analysis.SuccessRate),
			fmt.Sprintf("%.1f", e.Analysis.AverageCompletionTime),
			len(e.Analysis.Anomalies),
			strings.Join(e.Suggestions, "; "),
		})
	}
	tw.Render()
}

func decisionsCmd() *cobra.Command {
	var agentID string
	var n int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Tail the decision journal of an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store app.Store) error {
				decisions, err := store.ListDecisions(ctx, agentID, intOrDefault(n, 20))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(decisions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Task", "Action", "Reason"})
				for _, d := range decisions {
					tw.AppendRow(table.Row{d.ID, d.CreatedAt.Local().Format(time.DateTime), d.TaskID, d.Action, d.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "balancer-1", "agent id")
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of decisions")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents known to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store app.Store) error {
				agents, err := store.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Registered", "Updated"})
				for _, a := range agents {
					tw.AppendRow(table.Row{
						a.ID,
						a.Kind,
						a.Status,
						a.RegisteredAt.Local().Format(time.DateTime),
						a.UpdatedAt.Local().Format(time.DateTime),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
