package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"commandcore/internal/app"
	"commandcore/internal/assets"
	"commandcore/internal/audit"
	"commandcore/internal/config"
	"commandcore/internal/domain"
	"commandcore/internal/engine"
	"commandcore/internal/executor"
	"commandcore/internal/planner"
	"commandcore/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cmdcore",
	Short: "Command Core CLI",
	Long: `Command Core turns natural-language maintenance intents into executable
plans with an approval gate for anything risky.

- Mission: one run of intent -> plan -> (hold) -> dispatch.
- Hold: a high-risk plan waits here until you approve or cancel it.
- Catalog: predefined maintenance tasks from commandcore.yml.
- Messages: the durable record of every dispatched mission.
- Audit: the last six pipeline events, in-memory only.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		// credentials live in <workspace>/.env
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
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
	viper.SetEnvPrefix("COMMANDCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "operator", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Run and resolve missions",
		Long:  "A mission is planned by the AI, gated on risk, and dispatched. High-risk plans open a hold that must be approved or cancelled.",
	}
	mission.AddCommand(missionRunCmd())
	mission.AddCommand(missionHoldCmd())
	mission.AddCommand(missionApproveCmd())
	mission.AddCommand(missionCancelCmd())
	return mission
}

func missionRunCmd() *cobra.Command {
	var taskID, prompt, assetID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mission from a catalog task or a free-form prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" && prompt == "" {
				return fmt.Errorf("--task or --prompt required")
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RunMission(ctx, engine.MissionOptions{
					TaskID:  taskID,
					Prompt:  prompt,
					AssetID: assetID,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if res.Held && !viper.GetBool("json") {
					fmt.Println("Plan held for approval. Review with 'cmdcore mission hold', then approve or cancel.")
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "catalog task id")
	cmd.Flags().StringVar(&prompt, "prompt", "", "free-form intent")
	cmd.Flags().StringVar(&assetID, "asset", "", "attach an uploaded asset")
	return cmd
}

func missionHoldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Show the outstanding approval hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				hold, ok := e.Hold()
				if !ok {
					fmt.Println("No hold open.")
					return nil
				}
				return printJSONOrTable(hold)
			})
		},
	}
	return cmd
}

func missionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve and dispatch the held plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Approve(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func missionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel and discard the held plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Cancel(ctx, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("Hold cancelled.")
				return nil
			})
		},
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List catalog tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Catalog)
			}
			modules := make([]string, 0, len(cfg.Catalog))
			for m := range cfg.Catalog {
				modules = append(modules, m)
			}
			sort.Strings(modules)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Module", "ID", "Label", "Executor", "Sensitive"})
			for _, m := range modules {
				for _, t := range cfg.Catalog[m] {
					sensitive := ""
					if t.Sensitive {
						sensitive = "yes"
					}
					tw.AppendRow(table.Row{m, t.ID, t.Label, t.Executor, sensitive})
				}
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func messagesCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List mission records, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Executor", "Created", "Content"})
				for _, m := range msgs {
					content := m.Content
					if len(content) > 72 {
						content = content[:72] + "..."
					}
					tw.AppendRow(table.Row{m.ID, m.Model, m.CreatedAt, content})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of messages")
	return cmd
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Upload and list assets"}
	asset.AddCommand(assetUploadCmd())
	asset.AddCommand(assetListCmd())
	return asset
}

func assetUploadCmd() *cobra.Command {
	var filePath, mimeType string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a file for background analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			gemini, err := app.BuildPlanner(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			var analyzer assets.Analyzer
			if gemini != nil {
				analyzer = gemini
			}
			pipeline := assets.New(conn, analyzer, audit.New(), nil)
			uploaded, err := pipeline.Upload(cmd.Context(), assets.UploadOptions{
				Name:     filepath.Base(filePath),
				MimeType: mimeType,
				Content:  data,
				ActorID:  viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			pipeline.Wait()
			final, err := pipeline.Repo.GetAsset(cmd.Context(), uploaded.ID)
			if err != nil {
				return err
			}
			final.Content = nil
			return printJSONOrTable(final)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to file")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (default application/octet-stream)")
	return cmd
}

func assetListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAssets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "MIME", "Size", "Analyzing", "Tags"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.MimeType, a.SizeBytes, a.IsAnalyzing, strings.Join(a.Tags, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit lines",
		Long:  "The audit ring holds the last six pipeline events of this process only; use 'cmdcore log tail' for the durable trail.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				for _, line := range e.Audit.Lines() {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Durable event trail"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configSetKeyCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default commandcore.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key <api-key>",
		Short: "Persist the Gemini API key to the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.TrimSpace(args[0])
			if key == "" {
				return fmt.Errorf("api key is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), app.GeminiKeyEnv, key); err != nil {
				return err
			}
			fmt.Printf("Set %s in %s/.env\n", app.GeminiKeyEnv, workspace)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			gemini, err := app.BuildPlanner(ctx, cfg)
			if err != nil {
				return err
			}
			auditLog := audit.New()
			e := engine.New(conn, cfg, plannerFor(gemini), runnerFor(app.BuildExecutor(cfg)), auditLog, logger)
			var analyzer assets.Analyzer
			if gemini != nil {
				analyzer = gemini
			}
			pipeline := assets.New(conn, analyzer, auditLog, logger)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("COMMANDCORE_JWT_SECRET"),
				APIKey:    os.Getenv("COMMANDCORE_API_KEY"),
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Assets:   pipeline,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Command Core API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace and hands a ready engine to fn.
// requirePlanner guards commands that start missions: they fail fast
// when the Gemini credential is absent.
func withEngine(ctx context.Context, requirePlanner bool, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	gemini, err := app.BuildPlanner(ctx, cfg)
	if err != nil {
		return err
	}
	if requirePlanner && gemini == nil {
		return fmt.Errorf("%s not set; run 'cmdcore config set-key <api-key>' first", app.GeminiKeyEnv)
	}
	e := engine.New(conn, cfg, plannerFor(gemini), runnerFor(app.BuildExecutor(cfg)), audit.New(), nil)
	return fn(ctx, e)
}

// plannerFor avoids handing the engine a typed-nil interface.
func plannerFor(g *planner.Gemini) planner.Planner {
	if g == nil {
		return nil
	}
	return g
}

func runnerFor(c *executor.Client) engine.Runner {
	if c == nil {
		return nil
	}
	return c
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	switch t := v.(type) {
	case engine.MissionResult:
		renderMission(t)
	case domain.PendingHold:
		renderHold(t)
	case domain.Asset:
		renderAsset(t)
	case []domain.Event:
		renderEvents(t)
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
	}
	return nil
}

func kvTable(rows ...table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows(rows)
	tw.Render()
}

func renderMission(res engine.MissionResult) {
	rows := []table.Row{
		{"Summary", res.Plan.Summary},
		{"Command", res.Plan.Command},
		{"Executor", res.Plan.Executor},
		{"Risk", res.Plan.RiskLevel},
		{"Held", res.Held},
	}
	if res.MessageID != "" {
		rows = append(rows, table.Row{"Message", res.MessageID})
	}
	if res.Outcome != nil {
		rows = append(rows, table.Row{"Status", res.Outcome.Status})
		if res.Outcome.Output != "" {
			rows = append(rows, table.Row{"Output", res.Outcome.Output})
		}
		if res.Outcome.Message != "" {
			rows = append(rows, table.Row{"Detail", res.Outcome.Message})
		}
	}
	kvTable(rows...)
}

func renderHold(h domain.PendingHold) {
	kvTable(
		table.Row{"Task", h.Task},
		table.Row{"Summary", h.Plan.Summary},
		table.Row{"Command", h.Plan.Command},
		table.Row{"Executor", h.Plan.Executor},
		table.Row{"Risk", h.Plan.RiskLevel},
		table.Row{"Since", h.CreatedAt},
	)
}

func renderAsset(a domain.Asset) {
	kvTable(
		table.Row{"ID", a.ID},
		table.Row{"Name", a.Name},
		table.Row{"MIME", a.MimeType},
		table.Row{"Size", a.SizeBytes},
		table.Row{"Alt text", a.AltText},
		table.Row{"Tags", strings.Join(a.Tags, ",")},
	)
}

func renderEvents(evts []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
	for _, e := range evts {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.ActorID})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
