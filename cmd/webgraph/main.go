// Package main provides the webgraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/webgraph/pkg/config"
	"github.com/orneryd/webgraph/pkg/logging"
	"github.com/orneryd/webgraph/pkg/metrics"
	"github.com/orneryd/webgraph/pkg/neighborhood"
	"github.com/orneryd/webgraph/pkg/storage"
	"github.com/orneryd/webgraph/pkg/webgraph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webgraph",
		Short: "webgraph - persisted web link graph with PageRank",
		Long: `webgraph stores pages and the links between them as a directed graph,
snapshots every change to disk and ranks pages with PageRank.

Features:
  • Atomic snapshots to a file or a Badger database
  • Background PageRank recomputation
  • k-hop neighborhood extraction`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data", "", "Snapshot file or database directory (overrides config)")
	rootCmd.PersistentFlags().String("backend", "", "Storage backend: file, badger or memory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "webgraph v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [config-path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "describe",
		Short: "Print node and edge counts",
		RunE:  runDescribe,
	})

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Node operations",
	}
	nodeAdd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a node, merging metadata if it exists",
		Args:  cobra.ExactArgs(1),
		RunE:  runNodeAdd,
	}
	nodeAdd.Flags().String("meta", "", "Metadata as a JSON object")
	nodeAdd.Flags().StringSlice("outlink", nil, "Link the node to these ids")
	nodeUpdate := &cobra.Command{
		Use:   "update <id>",
		Short: "Merge metadata into an existing node",
		Args:  cobra.ExactArgs(1),
		RunE:  runNodeUpdate,
	}
	nodeUpdate.Flags().String("meta", "", "Metadata as a JSON object")
	nodeCmd.AddCommand(nodeAdd, nodeUpdate,
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print node metadata",
			Args:  cobra.ExactArgs(1),
			RunE:  runNodeGet,
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "Remove a node and its edges",
			Args:  cobra.ExactArgs(1),
			RunE:  runNodeRemove,
		},
	)
	rootCmd.AddCommand(nodeCmd)

	edgeCmd := &cobra.Command{
		Use:   "edge",
		Short: "Edge operations",
	}
	edgeCmd.AddCommand(
		&cobra.Command{
			Use:   "add <source> <target>",
			Short: "Add a directed edge",
			Args:  cobra.ExactArgs(2),
			RunE:  runEdgeAdd,
		},
		&cobra.Command{
			Use:   "rm <source> <target>",
			Short: "Remove a directed edge",
			Args:  cobra.ExactArgs(2),
			RunE:  runEdgeRemove,
		},
	)
	rootCmd.AddCommand(edgeCmd)

	outlinksCmd := &cobra.Command{
		Use:   "outlinks <id>",
		Short: "List the nodes a node links to",
		Args:  cobra.ExactArgs(1),
		RunE:  runOutlinks,
	}
	outlinksCmd.Flags().Bool("backlinks", false, "List the nodes linking to it instead")
	rootCmd.AddCommand(outlinksCmd)

	pagerankCmd := &cobra.Command{
		Use:   "pagerank [id]",
		Short: "Compute PageRank and print one score or the top ranked nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPageRank,
	}
	pagerankCmd.Flags().Int("top", 10, "Number of nodes to print when no id is given (0 for all)")
	rootCmd.AddCommand(pagerankCmd)

	subgraphCmd := &cobra.Command{
		Use:   "subgraph <id>",
		Short: "Print the edges within k outgoing hops of a node",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubgraph,
	}
	subgraphCmd.Flags().IntP("hops", "k", 1, "Number of hops")
	rootCmd.AddCommand(subgraphCmd)

	egoCmd := &cobra.Command{
		Use:   "ego <id>",
		Short: "Print the neighborhood of a node with depths and scores",
		Args:  cobra.ExactArgs(1),
		RunE:  runEgo,
	}
	egoCmd.Flags().IntP("hops", "k", 1, "Number of hops")
	egoCmd.Flags().String("direction", "outgoing", "Traversal direction: outgoing, incoming or both")
	egoCmd.Flags().Bool("rank", false, "Compute PageRank first so members carry scores")
	rootCmd.AddCommand(egoCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PageRank scheduler and expose metrics until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().String("metrics-addr", ":9464", "Address for the /metrics endpoint (empty disables it)")
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}

// loadConfig resolves the config file and environment, with the global
// flags taking precedence over both.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, func(cfg *config.Config) {
		if data, _ := cmd.Flags().GetString("data"); data != "" {
			cfg.Storage.Path = data
		}
		if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
			cfg.Storage.Backend = backend
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Logging.Level = level
		}
	})
}

// openDB opens the graph for a one-shot command: no scheduler, no metrics.
func openDB(cmd *cobra.Command) (*webgraph.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.PageRank.SchedulerEnabled = false
	cfg.Metrics.Enabled = false

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	db, err := webgraph.Open(cfg, webgraph.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("opening graph: %w", err)
	}
	return db, nil
}

func withDB(fn func(cmd *cobra.Command, args []string, db *webgraph.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := db.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, db)
	}
}

func parseMeta(cmd *cobra.Command) (storage.Metadata, error) {
	raw, _ := cmd.Flags().GetString("meta")
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing --meta: %w", err)
	}
	return storage.MetadataFromAny(m)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "webgraph.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.DefaultConfig().WriteFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %s\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "Next: webgraph --config %s serve\n", path)
	return nil
}

var runDescribe = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	fmt.Fprintln(cmd.OutOrStdout(), db.Describe())
	return nil
})

var runNodeAdd = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	md, err := parseMeta(cmd)
	if err != nil {
		return err
	}
	outlinks, _ := cmd.Flags().GetStringSlice("outlink")
	id := storage.NodeID(args[0])
	if len(outlinks) == 0 {
		return db.AddNode(cmd.Context(), id, md)
	}
	targets := make([]storage.NodeID, len(outlinks))
	for i, o := range outlinks {
		targets[i] = storage.NodeID(o)
	}
	return db.AddNodeWithOutlinks(cmd.Context(), id, targets, md)
})

var runNodeUpdate = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	md, err := parseMeta(cmd)
	if err != nil {
		return err
	}
	return db.UpdateNodeMetadata(cmd.Context(), storage.NodeID(args[0]), md)
})

var runNodeGet = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	md, err := db.NodeMetadata(storage.NodeID(args[0]))
	if err != nil {
		return err
	}
	return printJSON(cmd, md)
})

var runNodeRemove = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	return db.RemoveNode(cmd.Context(), storage.NodeID(args[0]))
})

var runEdgeAdd = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	return db.AddEdge(cmd.Context(), storage.NodeID(args[0]), storage.NodeID(args[1]))
})

var runEdgeRemove = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	return db.RemoveEdge(cmd.Context(), storage.NodeID(args[0]), storage.NodeID(args[1]))
})

var runOutlinks = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	id := storage.NodeID(args[0])
	links, err := db.Outlinks(id)
	if back, _ := cmd.Flags().GetBool("backlinks"); back {
		links, err = db.Backlinks(id)
	}
	if err != nil {
		return err
	}
	for _, l := range links {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
	return nil
})

type rankedNode struct {
	ID    storage.NodeID `json:"id"`
	Score float64        `json:"score"`
}

var runPageRank = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	table, err := db.CalculatePageRank(cmd.Context())
	if err != nil {
		return err
	}
	if !table.Converged {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  PageRank did not converge after %d iterations\n", table.Iterations)
	}

	if len(args) == 1 {
		score, err := db.PageRank(storage.NodeID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%g\n", score)
		return nil
	}

	scores := table.Scores()
	ranked := make([]rankedNode, 0, len(scores))
	for id, s := range scores {
		ranked = append(ranked, rankedNode{ID: id, Score: s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if top, _ := cmd.Flags().GetInt("top"); top > 0 && top < len(ranked) {
		ranked = ranked[:top]
	}
	return printJSON(cmd, ranked)
})

var runSubgraph = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	k, _ := cmd.Flags().GetInt("hops")
	edges, err := db.Subgraph(storage.NodeID(args[0]), k)
	if err != nil {
		return err
	}
	return printJSON(cmd, edges)
})

var runEgo = withDB(func(cmd *cobra.Command, args []string, db *webgraph.DB) error {
	k, _ := cmd.Flags().GetInt("hops")
	dirName, _ := cmd.Flags().GetString("direction")
	dir, err := neighborhood.ParseDirection(dirName)
	if err != nil {
		return err
	}
	if rank, _ := cmd.Flags().GetBool("rank"); rank {
		if _, err := db.CalculatePageRank(cmd.Context()); err != nil {
			return err
		}
	}
	ego, err := db.Ego(storage.NodeID(args[0]), k, neighborhood.WithDirection(dir))
	if err != nil {
		return err
	}
	return printJSON(cmd, ego)
})

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	cfg.Metrics.Enabled = cfg.Metrics.Enabled && metricsAddr != ""

	logger, err := logging.New(cfg.Logging, zap.String("version", version))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	db, err := webgraph.Open(cfg,
		webgraph.WithLogger(logger),
		webgraph.WithFatalHandler(func(err error) { cancel(err) }),
	)
	if err != nil {
		return fmt.Errorf("opening graph: %w", err)
	}
	defer db.Close()

	logger.Info("webgraph serving", zap.Stringer("config", cfg), zap.String("metrics_addr", metricsAddr))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(db.Registry()))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("shutting down after storage failure", zap.Error(cause))
		return cause
	}
	logger.Info("shutting down", zap.Stringer("graph", db.Describe()))
	return err
}
