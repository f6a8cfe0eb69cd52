package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/9MpulS/RAG-Asistent/api"
	"github.com/9MpulS/RAG-Asistent/config"
	"github.com/9MpulS/RAG-Asistent/logging"
	"github.com/9MpulS/RAG-Asistent/pipeline"
	"github.com/9MpulS/RAG-Asistent/retrieval"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rag-assistant",
		Short:        "Answers student questions about university regulations with cited sources",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newIngestCmd(), newReprocessCmd(), newQueryCmd(), newClearCmd())
	return root
}

// setup loads configuration and builds the logger shared by every command.
func setup() (config.Config, *log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			svc, err := a.queryService()
			if err != nil {
				return err
			}
			ingester, err := a.ingestionService()
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr: cfg.HTTPAddr,
				Handler: api.New(api.Dependencies{
					Query:       svc,
					Ingest:      ingester,
					Clear:       a.clear,
					DataDir:     cfg.DataDir,
					DefaultTopK: cfg.Pipeline.DefaultTopK,
				}, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest or reprocess the regulations in a directory (.md, .txt, .pdf)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.DataDir
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			svc, err := a.ingestionService()
			if err != nil {
				return err
			}
			logger.Info().
				Str("dir", dir).
				Str("provider", strings.ToUpper(cfg.Embeddings.Provider)).
				Str("model", cfg.Embeddings.Model).
				Msg("ingesting documents")

			report, err := svc.IngestDirectory(ctx, dir)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			for _, f := range report.Files {
				line := fmt.Sprintf("%-10s %s", f.Status, f.Path)
				if f.Chunks > 0 {
					line += fmt.Sprintf(" (%d chunks)", f.Chunks)
				}
				if f.Error != "" {
					line += ": " + f.Error
				}
				cmd.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory with documents (defaults to DATA_DIR)")
	return cmd
}

func newReprocessCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "reprocess [document-id]",
		Short: "Rebuild the chunks of one document even if its file is unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.DataDir
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			svc, err := a.ingestionService()
			if err != nil {
				return err
			}
			res, err := svc.ReprocessDocument(ctx, dir, args[0])
			if err != nil {
				return fmt.Errorf("reprocess %s: %w", args[0], err)
			}
			cmd.Printf("%-10s %s (%d chunks)\n", res.Status, res.Path, res.Chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory the document was ingested from (defaults to DATA_DIR)")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		topK      int
		documents []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask a question and print the cited answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("top-k") {
				topK = cfg.Pipeline.DefaultTopK
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			svc, err := a.queryService()
			if err != nil {
				return err
			}

			result, err := svc.AnswerQuery(ctx, pipeline.Request{
				Query:          strings.Join(args, " "),
				TopK:           topK,
				DocumentFilter: retrieval.Filter{DocumentIDs: documents},
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "fragments to retrieve (defaults to RAG_TOP_K)")
	cmd.Flags().StringSliceVar(&documents, "document", nil, "restrict retrieval to these document ids")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every document, chunk and graph node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear data without --yes")
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.clear(ctx); err != nil {
				return err
			}
			cmd.Println("RAG data removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal of all data")
	return cmd
}

func printResult(w io.Writer, result pipeline.QueryResult) {
	fmt.Fprintln(w, result.AnswerText)
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if len(result.Citations) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sources:")
	for _, c := range result.Citations {
		title := c.DocumentTitle
		if c.DocumentNumber != "" {
			title += " (№ " + c.DocumentNumber + ")"
		}
		fmt.Fprintf(w, "[%d] %s\n", c.Rank, title)
		if c.ArticleNumber != "" {
			fmt.Fprintf(w, "    %s\n", c.ArticleNumber)
		}
		if c.SourceURL != "" {
			fmt.Fprintf(w, "    %s\n", c.SourceURL)
		}
		fmt.Fprintf(w, "    %s\n", c.Excerpt)
	}
}
