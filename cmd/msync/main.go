package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"modelsync/internal/app"
	"modelsync/internal/domain"
	"modelsync/internal/engine"
	"modelsync/internal/events"
	"modelsync/internal/model"
	"modelsync/internal/observability"
	"modelsync/internal/remote"
	"modelsync/internal/server"
	"modelsync/internal/session"
	"modelsync/internal/store"
)

var logger zerolog.Logger

// errFailedEntries makes apply exit non-zero after the report was printed.
var errFailedEntries = errors.New("some objects failed or were skipped")

var rootCmd = &cobra.Command{
	Use:   "msync",
	Short: "Reconcile an equipment model into an object store",
	Long: `msync converges an object store to a declarative equipment model.
- Classes form a single-inheritance hierarchy; bases are written before derived classes.
- Properties belong to a class and are keyed by (class, display name).
- Reference targets "Class:<C>.Variable", "Class:<C>.Path_<x>" and "Enumeration:<x>" force the property type.
- Instances are created by name and then receive their values in one commit.
Nothing is ever deleted. Run against the local workspace store or a server (--endpoint).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = observability.InitLogger("msync", viper.GetString("log-level"), viper.GetString("log-format"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailedEntries) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MODELSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding the local store")
	flags.String("endpoint", "", "object store server URL; empty uses the local workspace store")
	flags.String("username", "", "server user name")
	flags.String("password", "", "server password")
	flags.String("token", "", "server bearer token (skips login)")
	flags.String("actor-id", "local-user", "actor recorded on local change events")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.Bool("legacy-property-lookup", false, "find properties by display name alone")
	for _, name := range []string{"workspace", "endpoint", "username", "password", "token", "actor-id", "json", "log-level", "log-format", "legacy-property-lookup"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
}

func settings() app.Settings {
	return app.Settings{
		Workspace: viper.GetString("workspace"),
		Endpoint:  viper.GetString("endpoint"),
		Username:  viper.GetString("username"),
		Password:  viper.GetString("password"),
		Token:     viper.GetString("token"),
		Actor:     viper.GetString("actor-id"),
	}
}

func applyCmd() *cobra.Command {
	var file string
	var demo, watch bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile a model file into the store",
		Long:  "Creates missing classes, properties and instances and updates existing ones in place. Exits non-zero when any object failed or was skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !demo && file == "" {
				return fmt.Errorf("--file required (or --demo)")
			}
			if watch && demo {
				return fmt.Errorf("--watch needs --file")
			}
			return withSession(cmd.Context(), func(ctx context.Context, sess session.Session) error {
				orch := engine.NewOrchestrator(sess, viper.GetBool("legacy-property-lookup"), logger)
				if !watch {
					return applyOnce(ctx, orch, file, demo)
				}
				if err := applyOnce(ctx, orch, file, false); domain.IsConnection(err) {
					return err
				} else if err != nil && !errors.Is(err, errFailedEntries) {
					logger.Error().Err(err).Msg("apply failed")
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return app.Watch(ctx, file, 300*time.Millisecond, logger, func() {
					if err := applyOnce(ctx, orch, file, false); err != nil && !errors.Is(err, errFailedEntries) {
						logger.Error().Err(err).Msg("apply failed")
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "model YAML file")
	cmd.Flags().BoolVar(&demo, "demo", false, "apply the built-in water transfer model")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-apply whenever the model file changes")
	return cmd
}

func applyOnce(ctx context.Context, orch *engine.Orchestrator, file string, demo bool) error {
	m := model.Default()
	if !demo {
		var err error
		if m, err = model.FromFile(file); err != nil {
			return err
		}
	}
	rep, err := orch.Reconcile(ctx, m)
	if rep != nil {
		if viper.GetBool("json") {
			if perr := printJSON(rep); perr != nil {
				return perr
			}
		} else {
			rep.Render(os.Stdout)
		}
	}
	if err != nil {
		return err
	}
	if rep.Failed() {
		return errFailedEntries
	}
	return nil
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Model files"}
	cmd.AddCommand(modelInitCmd())
	cmd.AddCommand(modelValidateCmd())
	return cmd
}

func modelInitCmd() *cobra.Command {
	var file string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in demo model to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(file); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", file)
			}
			if err := os.WriteFile(file, []byte(model.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "model.yaml", "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func modelValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a model file without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := model.FromFile(file)
			if err != nil {
				return err
			}
			order, err := m.ClassOrder()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(order))
			for _, c := range order {
				names = append(names, c.Name)
			}
			out := map[string]any{
				"valid":       true,
				"classes":     len(m.Classes),
				"instances":   len(m.Instances),
				"class_order": names,
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("%s is valid: %d classes, %d instances\n", file, len(m.Classes), len(m.Instances))
			fmt.Printf("Class order: %s\n", strings.Join(names, " -> "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "model.yaml", "model YAML file")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "show [classes|properties|instances]",
		Short:     "List stored objects",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"classes", "properties", "instances"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess session.Session) error {
				classes, err := sess.Query(ctx, session.KindClass, nil)
				if err != nil {
					return err
				}
				classNames := map[string]string{}
				for _, c := range classes {
					classNames[c.ID] = c.StringField(session.FieldName)
				}
				switch args[0] {
				case "classes":
					return printRefs(classes, []string{"ID", "Name", "Base", "Abstract"}, func(r session.Ref) table.Row {
						return table.Row{r.ID, r.StringField(session.FieldName), classNames[r.StringField(session.FieldBase)], r.BoolField(session.FieldAbstract)}
					})
				case "properties":
					props, err := sess.Query(ctx, session.KindProperty, nil)
					if err != nil {
						return err
					}
					return printRefs(props, []string{"ID", "Class", "Display name", "Type", "Unit", "Historized", "Reference target"}, func(r session.Ref) table.Row {
						return table.Row{r.ID, classNames[r.StringField(session.FieldClass)], r.StringField(session.FieldDisplayName),
							r.StringField(session.FieldType), r.StringField(session.FieldUnit), r.BoolField(session.FieldHistorized), r.StringField(session.FieldReferenceTarget)}
					})
				default:
					insts, err := sess.Query(ctx, session.KindInstance, nil)
					if err != nil {
						return err
					}
					return printRefs(insts, []string{"ID", "Class", "Name", "Values"}, func(r session.Ref) table.Row {
						return table.Row{r.ID, classNames[r.StringField(session.FieldClass)], r.StringField(session.FieldName), formatValues(r.Values)}
					})
				}
			})
		},
	}
	return cmd
}

func printRefs(refs []session.Ref, header []string, row func(session.Ref) table.Row) error {
	if viper.GetBool("json") {
		if refs == nil {
			refs = []session.Ref{}
		}
		return printJSON(refs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	h := table.Row{}
	for _, c := range header {
		h = append(h, c)
	}
	tw.AppendHeader(h)
	for _, r := range refs {
		tw.AppendRow(row(r))
	}
	tw.Render()
	return nil
}

func formatValues(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, values[k]))
	}
	return strings.Join(parts, "\n")
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Change log",
		Long:  "Every commit to the store records an object.created or object.updated event with the acting user.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess session.Session) error {
				var (
					items []domain.Event
					err   error
				)
				filter := events.Filter{Type: evtType, EntityKind: entityKind, EntityID: entityID}
				switch s := sess.(type) {
				case *store.Store:
					items, err = s.Events.Latest(ctx, n, filter)
				case *remote.Client:
					items, err = s.Events(ctx, n, filter)
				default:
					return fmt.Errorf("session %T has no event log", sess)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if items == nil {
						items = []domain.Event{}
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Kind", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (class, property, instance)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var users []string
	var noAuth bool
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workspace store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("endpoint") != "" {
				return fmt.Errorf("serve uses the local workspace store; unset --endpoint")
			}
			if len(users) == 0 {
				if env := viper.GetString("users"); env != "" {
					users = strings.Split(env, ",")
				}
			}
			parsed, err := server.ParseUsers(users)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				Users:     parsed,
				TokenTTL:  tokenTTL,
				Disabled:  noAuth,
			}
			if !noAuth && authCfg.JWTSecret == "" {
				return fmt.Errorf("MODELSYNC_JWT_SECRET is required for bearer auth (or --no-auth)")
			}
			st, err := app.OpenStore(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer st.Close()
			handler, err := server.New(server.Config{Store: st, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info().Str("addr", addr).Str("base_path", basePath).Bool("auth", !noAuth).Msg("serving object store (OpenAPI at openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gCtx.Done()
				logger.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().StringArrayVar(&users, "user", nil, "user as name:bcrypt-hash (repeatable; env MODELSYNC_USERS is comma separated)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "serve without authentication")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "bearer token lifetime")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Server users"}
	cmd.AddCommand(userHashCmd())
	return cmd
}

func userHashCmd() *cobra.Command {
	var name, password string
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print a name:bcrypt-hash entry for serve --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Printf("%s:%s\n", name, hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted on stdin when empty)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// --- helpers ---

func withSession(ctx context.Context, fn func(context.Context, session.Session) error) error {
	sess, err := app.Open(ctx, settings())
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(ctx, sess)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
