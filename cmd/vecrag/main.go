package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/vecrag/internal/config"
	"github.com/abdul-hamid-achik/vecrag/internal/index"
	"github.com/abdul-hamid-achik/vecrag/internal/mcp"
	"github.com/abdul-hamid-achik/vecrag/internal/search"
	"github.com/abdul-hamid-achik/vecrag/internal/service"
	"github.com/abdul-hamid-achik/vecrag/internal/version"
	"github.com/abdul-hamid-achik/vecrag/internal/web"
)

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vecrag",
	Short:   "Retrieval-augmented question answering over your documents",
	Version: version.Full(),
	Long: `vecrag stores documents, splits them into overlapping passages, embeds
them and answers questions from the most similar passages.

Embeddings default to an offline hashing model; Ollama and OpenAI are
available through the embedding.provider setting.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vecrag %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize vecrag in the current directory",
	Long: `Create the data directory and write a default vecrag.yaml in the
current directory.`,
	RunE: runInit,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <paths...>",
	Short: "Ingest files or directories",
	Long: `Store and index .txt, .md and .docx files. Directories are walked
recursively honoring .gitignore, .vecragignore and the configured ignore
patterns. Files whose content is unchanged are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve the passages most relevant to a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document from the corpus and the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every stored document and rebuild the index",
	RunE:  runRebuild,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and status page",
	Long: `Start the HTTP server. The index is restored in the background;
/api/health answers 503 until it is ready. With --watch, files created or
modified in the directory are ingested automatically.`,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	RunE:  runMCP,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status and statistics",
	RunE:  runStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage vecrag configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in vecrag.yaml",
	Long: `Set a configuration value and write it to the config file.

Examples:
  vecrag config set retrieval.top_k 8
  vecrag config set embedding.provider ollama
  vecrag config set generation.provider openai`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	rootCmd.SetVersionTemplate("vecrag version {{.Version}}\n")

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	initCmd.Flags().Bool("force", false, "overwrite existing configuration")

	queryCmd.Flags().IntP("top-k", "k", 0, "number of passages to retrieve (default from config)")
	queryCmd.Flags().Float64P("threshold", "t", -1, "minimum similarity score (default from config)")
	queryCmd.Flags().StringP("format", "f", "default", "output format (default, json, compact)")

	askCmd.Flags().IntP("top-k", "k", 0, "number of passages to retrieve (default from config)")
	askCmd.Flags().Float64P("threshold", "t", -1, "minimum similarity score (default from config)")
	askCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	listCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	serveCmd.Flags().IntP("port", "p", 0, "server port (default from config)")
	serveCmd.Flags().String("host", "", "server host (default from config)")
	serveCmd.Flags().String("watch", "", "directory to watch for new documents")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := config.Write(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Initialized vecrag\n")
	fmt.Printf("  Config: %s\n", path)
	fmt.Printf("  Data:   %s\n", dataDir)
	fmt.Printf("\nNext: vecrag ingest <files or directories>\n")
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		a.indexer.SetProgressCallback(func(p index.Progress) {
			fmt.Printf("\r  %s (%d/%d documents, %d chunks)", p.Current, p.Processed, p.Total, p.Chunks)
		})
	}

	fmt.Printf("Ingesting %s...\n", strings.Join(args, ", "))
	fmt.Printf("  Model: %s\n", a.provider.Model())

	report, err := a.svc.IngestPaths(ctx, args)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("\nIngestion complete:\n")
	fmt.Printf("  Files ingested: %d\n", report.Ingested)
	fmt.Printf("  Files skipped (unchanged): %d\n", report.Skipped)
	fmt.Printf("  Chunks created: %d\n", report.Chunks)
	fmt.Printf("  Duration: %s\n", report.Duration.Round(100*time.Millisecond))

	if len(report.Failures) > 0 {
		fmt.Printf("\nFailed: %d\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("  - %s: %s\n", f.Path, f.Error)
		}
	}
	return nil
}

func queryOptions(cmd *cobra.Command) service.QueryOptions {
	var opts service.QueryOptions
	opts.TopK, _ = cmd.Flags().GetInt("top-k")
	if cmd.Flags().Changed("threshold") {
		t, _ := cmd.Flags().GetFloat64("threshold")
		opts.Threshold = &t
	}
	return opts
}

func runQuery(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	outputFormat, err := search.ParseOutputFormat(format)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Retrieve(ctx, strings.Join(args, " "), queryOptions(cmd))
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	fmt.Print(search.FormatResult(res, outputFormat))
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.svc.Ask(ctx, strings.Join(args, " "), queryOptions(cmd))
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	if format == "json" {
		return printJSON(answer)
	}

	fmt.Println(answer.Answer)
	if len(answer.Sources) > 0 {
		fmt.Printf("\nConfidence: %.2f\n", answer.Confidence)
		fmt.Println("Sources:")
		for _, src := range answer.Sources {
			fmt.Printf("  - %s (chunk %d, score %.2f)\n", src.SourceName, src.ChunkIndex, src.Score)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.svc.List(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(docs)
	}

	if len(docs) == 0 {
		fmt.Println("No documents stored.")
		return nil
	}
	for _, d := range docs {
		fmt.Printf("%s  %-40s %4d chunks  %s\n", d.ID, d.Filename, d.Chunks, d.UploadedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.svc.Delete(ctx, args[0])
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if !removed {
		return fmt.Errorf("document not found: %s", args[0])
	}

	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Rebuilding index with %s...\n", a.provider.Model())
	report, err := a.svc.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}

	fmt.Printf("  Documents: %d\n", report.Ingested)
	fmt.Printf("  Chunks: %d\n", report.Chunks)
	fmt.Printf("  Failed: %d\n", report.Failed)
	fmt.Printf("  Duration: %s\n", report.Duration.Round(100*time.Millisecond))
	for _, id := range report.FailedIDs {
		fmt.Printf("  - %s: %v\n", id, report.Errors[id])
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = a.cfg.Server.Host
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = a.cfg.Server.Port
	}
	watchDir, _ := cmd.Flags().GetString("watch")
	if watchDir == "" {
		watchDir = a.cfg.Watch.Dir
	}

	// Restore in the background; the API reports 503 until it finishes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.svc.Start(ctx); err != nil {
			a.log.Error("index restore failed", "error", err)
			cancel()
			return
		}
		if watchDir == "" {
			return
		}
		w, err := a.svc.Watch(ctx, watchDir, a.cfg.Watch.Debounce)
		if err != nil {
			a.log.Error("watch failed", "dir", watchDir, "error", err)
			return
		}
		<-ctx.Done()
		w.Stop()
	}()

	server := web.NewServer(web.ServerConfig{
		Host:    host,
		Port:    port,
		Backend: a.svc,
		Logger:  a.log,
	})

	fmt.Printf("Starting web server on http://%s\n", server.Addr())
	if watchDir != "" {
		fmt.Printf("  Watching: %s\n", watchDir)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	err = server.ListenAndServe(ctx)
	cancel()
	<-done
	return err
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(mcp.ServerConfig{
		Backend: a.svc,
		Logger:  a.log,
	})
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.svc.Stats(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(stats)
	}

	fmt.Println("vecrag Status")
	fmt.Println("=============")
	fmt.Printf("Data dir: %s\n", a.cfg.DataDir)
	if a.cfg.File != "" {
		fmt.Printf("Config: %s\n", a.cfg.File)
	}
	fmt.Printf("\nDocuments: %d (%d indexed)\n", stats.Documents, stats.IndexedDocuments)
	fmt.Printf("Chunks: %d\n", stats.Chunks)
	fmt.Printf("Snapshot entries: %d\n", a.snapshot.Count())
	fmt.Printf("\nEmbedding model: %s (%d dimensions)\n", stats.Model, stats.Dimension)
	fmt.Printf("Generator: %s\n", stats.Generator)
	fmt.Printf("Retrieval: top %d, threshold %.2f\n", stats.TopK, stats.Threshold)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := config.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	if cfg.File != "" {
		fmt.Printf("# %s\n", cfg.File)
	} else {
		fmt.Println("# no config file found, showing defaults and environment")
	}
	fmt.Print(string(data))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
			return err
		}
		cfg = config.DefaultConfig()
	}

	if err := setConfigValue(cfg, args[0], args[1]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Write(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Set %s = %s in %s\n", args[0], args[1], path)
	return nil
}

func setConfigValue(cfg *config.Config, key, value string) error {
	atoi := func() (int, error) { return strconv.Atoi(value) }

	var err error
	switch key {
	case "data_dir":
		cfg.DataDir = value
	case "embedding.provider":
		cfg.Embedding.Provider = value
	case "embedding.model":
		cfg.Embedding.Model = value
	case "embedding.ollama_url":
		cfg.Embedding.OllamaURL = value
	case "embedding.openai_api_key":
		cfg.Embedding.OpenAIAPIKey = value
	case "embedding.openai_base_url":
		cfg.Embedding.OpenAIBaseURL = value
	case "embedding.dimensions":
		cfg.Embedding.Dimensions, err = atoi()
	case "embedding.cache_size":
		cfg.Embedding.CacheSize, err = atoi()
	case "chunking.chunk_size":
		cfg.Chunking.ChunkSize, err = atoi()
	case "chunking.overlap":
		cfg.Chunking.Overlap, err = atoi()
	case "chunking.min_chars":
		cfg.Chunking.MinChars, err = atoi()
	case "retrieval.top_k":
		cfg.Retrieval.TopK, err = atoi()
	case "retrieval.threshold":
		cfg.Retrieval.Threshold, err = strconv.ParseFloat(value, 64)
	case "retrieval.normalize":
		cfg.Retrieval.Normalize, err = strconv.ParseBool(value)
	case "indexing.workers":
		cfg.Indexing.Workers, err = atoi()
	case "indexing.batch_size":
		cfg.Indexing.BatchSize, err = atoi()
	case "indexing.pdf_tool":
		cfg.Indexing.PDFTool = value
	case "generation.provider":
		cfg.Generation.Provider = value
	case "generation.model":
		cfg.Generation.Model = value
	case "generation.max_tokens":
		cfg.Generation.MaxTokens, err = atoi()
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		cfg.Server.Port, err = atoi()
	case "watch.dir":
		cfg.Watch.Dir = value
	case "watch.debounce":
		cfg.Watch.Debounce, err = time.ParseDuration(value)
	case "log.level":
		cfg.Log.Level = value
	case "log.format":
		cfg.Log.Format = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", key, err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
