// recall is a persistent memory service for conversational agents. It
// runs as an HTTP server, an MCP stdio tool server, or a one-shot CLI
// against the local store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"recall/internal/config"
	"recall/internal/engine"
	"recall/internal/logging"
	"recall/internal/mcp"
	"recall/internal/retrieval"
	"recall/internal/server"
	"recall/internal/types"
)

var (
	flagConfig   string
	flagDataRoot string
	flagVerbose  bool
	flagUser     string
	flagChar     string
	flagSession  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - persistent memory for conversational agents",
	Long: `recall stores conversation memories in an append-only volume log,
indexes them six ways (keywords, ngrams, metadata, entities, vectors,
knowledge graph) and serves token-budgeted context back to agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDataRoot != "" {
			cfg.DataRoot = flagDataRoot
		}
		level := cfg.Logging.Level
		if flagVerbose {
			level = "debug"
		}
		// The MCP server owns stdout for the protocol; logs would corrupt it.
		if cmd.Name() == "mcp" {
			return nil
		}
		return logging.Init(level, cfg.Logging.Development)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func cliScope() types.Scope {
	return types.Scope{UserID: flagUser, CharacterID: flagChar, SessionID: flagSession}.Normalize()
}

func openEngine() (*engine.Engine, error) {
	return engine.Open(cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		srv := server.New(e, cfg.Server)
		if err := srv.Start(); err != nil {
			return err
		}

		// Hot-reload the safe knobs while serving.
		watcher, err := config.Watch(flagConfig, func(next *config.Config) {
			logging.SetLevelFromConfig(next.Logging.Level, next.Logging.Development)
		})
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("config watch: %v", err)
		}
		if watcher != nil {
			defer watcher.Close()
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logging.Boot("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP tool server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return mcp.New(e).Run(ctx)
	},
}

var addCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Store one memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		source, _ := cmd.Flags().GetString("source")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		res, err := e.Add(cmd.Context(), engine.AddRequest{
			Scope:   cliScope(),
			Content: strings.Join(args, " "),
			Source:  source,
			Tags:    tags,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		topK, _ := cmd.Flags().GetInt("top-k")
		resp, err := e.Search(cmd.Context(), retrieval.Request{
			Scope: cliScope(),
			Query: strings.Join(args, " "),
			Limit: topK,
		})
		if err != nil {
			return err
		}
		return printJSON(resp.Hits)
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Build a context block for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.BuildContext(cmd.Context(), engine.ContextRequest{
			Scope: cliScope(),
			Query: strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		fmt.Println(res.Text)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return printJSON(e.GetStats())
	},
}

var maintainCmd = &cobra.Command{
	Use:       "maintain <task>",
	Short:     "Run one maintenance task now (consolidate, compact, optimize, health)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"consolidate", "compact", "optimize", "health"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Maintenance.Enabled = true
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.RunMaintenance(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("done")
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Erase one tenant's memories (the default user is protected)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("pass --confirm to clear user %q", cliScope().UserID)
		}
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Clear(cliScope()); err != nil {
			return err
		}
		fmt.Println("cleared")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagDataRoot, "data-root", "", "override the data root directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "tenant user id")
	rootCmd.PersistentFlags().StringVar(&flagChar, "character", "", "tenant character id")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "tenant session id")

	addCmd.Flags().String("source", "cli", "item source")
	addCmd.Flags().StringSlice("tag", nil, "item tags (repeatable)")
	searchCmd.Flags().Int("top-k", 10, "maximum results")
	clearCmd.Flags().Bool("confirm", false, "confirm the wipe")

	rootCmd.AddCommand(serveCmd, mcpCmd, addCmd, searchCmd, contextCmd, statsCmd, maintainCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
