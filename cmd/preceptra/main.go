package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kshen3778/preceptra/internal/answer"
	"github.com/kshen3778/preceptra/internal/config"
	"github.com/kshen3778/preceptra/internal/gemini"
	"github.com/kshen3778/preceptra/internal/prompt"
	"github.com/kshen3778/preceptra/internal/server"
	"github.com/kshen3778/preceptra/internal/sop"
	"github.com/kshen3778/preceptra/internal/store"
	"github.com/kshen3778/preceptra/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "preceptra",
		Short: "Procedural knowledge from task recordings",
		Long: `Preceptra ingests transcribed task recordings, answers questions
grounded in the most relevant transcript excerpts, and consolidates
multiple performances of a task into a single procedure document.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogger()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(transcribeCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(summarizeCmd())
	rootCmd.AddCommand(sopsCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger() {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("preceptra %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fatal("Failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fatal("Failed to get data directory: %v", err)
			}

			cfg, err := config.Load()
			if err != nil {
				fatal("Failed to load config: %v", err)
			}
			if err := cfg.Save(); err != nil {
				fatal("Failed to write config: %v", err)
			}

			dbPath := filepath.Join(dataDir, "preceptra.db")
			db, err := store.Open(dbPath)
			if err != nil {
				fatal("Failed to initialize database: %v", err)
			}
			db.Close()

			if jsonOutput {
				printJSON(map[string]any{
					"ok":         true,
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("Initialized.\n  Config: %s\n  Data:   %s\n  DB:     %s\n", configDir, dataDir, dbPath)
			}
		},
	}
}

func ingestCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest transcript files from the transcripts directory",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()

			if dir == "" {
				dir = cfg.TranscriptsDir
			}
			if dir == "" {
				fatal("No transcripts directory configured; pass --dir or set transcripts_dir in config")
			}

			w := watch.New(db, dir)
			if err := w.IngestAll(cmd.Context()); err != nil {
				fatal("Ingest failed: %v", err)
			}

			tasks, err := store.Tasks(cmd.Context(), db)
			if err != nil {
				fatal("Failed to list tasks: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "tasks": tasks})
			} else {
				fmt.Printf("Ingested. Tasks: %d\n", len(tasks))
				for _, task := range tasks {
					fmt.Printf("  %s\n", task)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Transcripts directory (defaults to config)")
	return cmd
}

func transcribeCmd() *cobra.Command {
	var task string
	var name string
	cmd := &cobra.Command{
		Use:   "transcribe [video-file]",
		Short: "Transcribe a recorded video and store the transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()
			assembler := newAssembler(cfg)

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				fatal("Failed to read video: %v", err)
			}
			mimeType := mime.TypeByExtension(filepath.Ext(path))
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			videoName := name
			if videoName == "" {
				videoName = filepath.Base(path)
			}

			tr, err := assembler.Transcribe(cmd.Context(), videoName, mimeType, data)
			if err != nil {
				fatal("Transcription failed: %v", err)
			}
			if err := store.SaveTranscript(cmd.Context(), db, task, tr); err != nil {
				fatal("Failed to save transcript: %v", err)
			}

			if jsonOutput {
				printJSON(tr)
			} else {
				fmt.Printf("Transcribed %s: %d audio segments\n", tr.VideoName, len(tr.Segments()))
			}
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task name (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Video name to record (defaults to the file name)")
	cmd.MarkFlagRequired("task")
	return cmd
}

func askCmd() *cobra.Command {
	var task string
	var topK int
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question grounded in a task's transcripts",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()
			assembler := newAssembler(cfg)

			ctx := cmd.Context()
			question := args[0]
			for _, a := range args[1:] {
				question += " " + a
			}

			transcripts, err := store.Transcripts(ctx, db, task)
			if err != nil {
				fatal("Failed to load transcripts: %v", err)
			}
			knowledge, err := store.LatestSOP(ctx, db, task)
			if err != nil {
				fatal("Failed to load procedure: %v", err)
			}

			res, err := assembler.Answer(ctx, question, transcripts, answer.Options{
				TopK:      topK,
				Knowledge: knowledge,
			})
			if err != nil {
				fatal("Answer failed: %v", err)
			}

			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Println(res.Markdown)
			if len(res.Sources) > 0 {
				fmt.Println("\nSources:")
				for _, src := range res.Sources {
					fmt.Printf("  %s\n", src)
				}
			}
			if res.Notes != "" {
				fmt.Printf("\nNotes: %s\n", res.Notes)
			}
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task name (required)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of transcript chunks to ground on")
	cmd.MarkFlagRequired("task")
	return cmd
}

func summarizeCmd() *cobra.Command {
	var task string
	var save bool
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Consolidate a task's transcripts into one procedure",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()
			assembler := newAssembler(cfg)

			ctx := cmd.Context()
			transcripts, err := store.Transcripts(ctx, db, task)
			if err != nil {
				fatal("Failed to load transcripts: %v", err)
			}
			if len(transcripts) == 0 {
				fatal("No transcripts for task %q", task)
			}

			res, err := assembler.Summarize(ctx, transcripts)
			if err != nil {
				fatal("Summarize failed: %v", err)
			}

			if save {
				record := &sop.SOP{TaskName: task, Markdown: res.Markdown, Notes: res.Notes}
				if err := store.SaveSOP(ctx, db, record); err != nil {
					fatal("Failed to save procedure: %v", err)
				}
			}

			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Println(res.Markdown)
			if res.Notes != "" {
				fmt.Printf("\nNotes: %s\n", res.Notes)
			}
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task name (required)")
	cmd.Flags().BoolVarP(&save, "save", "s", false, "Save the result as a new procedure version")
	cmd.MarkFlagRequired("task")
	return cmd
}

func sopsCmd() *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "sops",
		Short: "List a task's procedure versions, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			_, db := openEnv()
			defer db.Close()

			sops, err := store.SOPs(cmd.Context(), db, task)
			if err != nil {
				fatal("Failed to list procedures: %v", err)
			}

			if jsonOutput {
				printJSON(sops)
				return
			}
			if len(sops) == 0 {
				fmt.Printf("No procedures for task %q\n", task)
				return
			}
			for _, s := range sops {
				fmt.Printf("%s  %s\n", s.CreatedAt.Format("2006-01-02 15:04"), s.ID)
			}
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "Task name (required)")
	cmd.MarkFlagRequired("task")
	return cmd
}

func watchCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the transcripts directory and ingest new files",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()

			if dir == "" {
				dir = cfg.TranscriptsDir
			}
			if dir == "" {
				fatal("No transcripts directory configured; pass --dir or set transcripts_dir in config")
			}

			ctx := signalContext(cmd.Context())
			if err := watch.New(db, dir).Run(ctx); err != nil {
				fatal("Watch failed: %v", err)
			}
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Transcripts directory (defaults to config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, db := openEnv()
			defer db.Close()
			assembler := newAssembler(cfg)

			if addr == "" {
				addr = cfg.ListenAddr
			}

			ctx := signalContext(cmd.Context())
			if err := server.New(db, assembler, addr).Start(ctx); err != nil {
				fatal("Server failed: %v", err)
			}
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (defaults to config)")
	return cmd
}

// openEnv loads config and opens the database, exiting on failure.
func openEnv() (*config.Config, *sql.DB) {
	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load config: %v", err)
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		fatal("Failed to get data directory: %v", err)
	}
	db, err := store.Open(filepath.Join(dataDir, "preceptra.db"))
	if err != nil {
		fatal("Failed to open database: %v", err)
	}
	return cfg, db
}

// newAssembler wires the Gemini client into an assembler per config.
func newAssembler(cfg *config.Config) *answer.Assembler {
	if cfg.APIKey == "" {
		fatal("No API key configured; set GEMINI_API_KEY or api_key in config")
	}
	client := gemini.NewClient(cfg.APIKey)

	configDir, err := config.GetConfigDir()
	if err != nil {
		fatal("Failed to get config directory: %v", err)
	}
	prompts := prompt.Load(configDir)

	gen := &answer.GeminiGenerator{Client: client, Model: cfg.GenerationModel}
	emb := &answer.GeminiEmbedder{Client: client, Model: cfg.EmbeddingModel}
	return answer.NewAssembler(gen, emb, prompts, cfg.ChunkSize, cfg.TopK)
}

func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
