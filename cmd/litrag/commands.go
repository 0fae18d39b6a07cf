package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/litrag/internal/api"
	"github.com/kalambet/litrag/internal/config"
	"github.com/kalambet/litrag/internal/engine"
	"github.com/kalambet/litrag/internal/index"
	"github.com/kalambet/litrag/internal/ingest"
	"github.com/kalambet/litrag/internal/pipeline"
	"github.com/kalambet/litrag/internal/retrieval"
)

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch [PMCID...]",
	Short: "Download articles into the document store",
	Long: `Download open-access articles from PubMed Central into the document store.

With no identifiers, PubMed is searched with --query (default ncbi.query) and up
to --max articles with PMC full text are downloaded. Already stored articles are
skipped unless --refetch is given. Local files (JATS XML, PDF, HTML, text) are
added with --file.

Examples:
  litrag fetch
  litrag fetch --query "tau PET AND 2024[dp]" --max 20
  litrag fetch PMC10000001 PMC10000002
  litrag fetch --file ./paper.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		maxResults, _ := cmd.Flags().GetInt("max")
		refetch, _ := cmd.Flags().GetBool("refetch")
		files, _ := cmd.Flags().GetStringSlice("file")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		fetcher := ingest.NewFetcher(newNCBIClient(cfg), store, cfg.Fetch.Concurrency)
		fetcher.Refetch = refetch

		for _, path := range files {
			doc, added, err := fetcher.AddFile(ctx, path)
			if err != nil {
				printError("%s: %v", path, err)
				continue
			}
			if added {
				printSuccess("Added %s as %s", path, doc.ID)
			} else {
				printStatus("Skipped", "%s (already stored as %s)", path, doc.ID)
			}
		}
		if len(args) == 0 && len(files) > 0 {
			return nil
		}

		ids := args
		if len(ids) == 0 {
			if query == "" {
				query = cfg.NCBI.Query
			}
			if maxResults <= 0 {
				maxResults = cfg.NCBI.MaxResults
			}
			printStep("Searching PubMed for %d articles: %s", maxResults, query)
			ids, err = fetcher.SearchIDs(ctx, query, maxResults)
			if err != nil {
				return fmt.Errorf("searching: %w", err)
			}
			printStatus("Found", "%d articles with PMC full text", len(ids))
		}

		printStep("Fetching %d articles", len(ids))
		summary, err := fetcher.Fetch(ctx, ids)
		for _, f := range summary.Failed {
			printWarning("%v", f)
		}
		printStatus("Fetched", "%d", len(summary.Fetched))
		printStatus("Skipped", "%d (already stored)", len(summary.Skipped))
		printStatus("Failed", "%d", len(summary.Failed))
		if err != nil {
			return err
		}
		if len(summary.Fetched)+len(summary.Skipped) == 0 && len(summary.Failed) > 0 {
			return fmt.Errorf("no article could be fetched")
		}
		printSuccess("Done")
		return nil
	},
}

func init() {
	fetchCmd.Flags().String("query", "", "PubMed query (default ncbi.query)")
	fetchCmd.Flags().Int("max", 0, "number of articles to fetch for a query (default ncbi.max_results)")
	fetchCmd.Flags().Bool("refetch", false, "store a new version of already fetched articles")
	fetchCmd.Flags().StringSlice("file", nil, "add a local file (repeatable)")
}

// --- build ---

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Normalize, chunk and embed stored articles into a new index",
	Long: `Normalize every stored article, chunk it, embed the chunks and publish a new
index build. Vectors of unchanged chunks are reused from the embedding cache,
so an interrupted build resumes where it stopped.

Chunks whose embedding batch fails are left out of the build and reported;
--strict aborts instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")
		keep, _ := cmd.Flags().GetInt("keep")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		chunker, err := newChunker(cfg)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}
		if c, ok := eng.(io.Closer); ok {
			defer c.Close()
		}
		if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.Embed.Model); err != nil {
			return err
		}

		printStep("Normalizing and chunking (%s)", chunker.Policy())
		corpus, err := ingest.Prepare(ctx, store, chunker, nil)
		if err != nil {
			return err
		}
		for _, u := range corpus.Unparsable {
			printWarning("%v", u)
		}
		printStatus("Documents", "%d (%d unparsable)", corpus.Documents, len(corpus.Unparsable))
		printStatus("Chunks", "%d", len(corpus.Chunks))

		builder := index.NewBuilder(index.BuilderOptions{
			Dir:         cfg.IndexDir(),
			Embedder:    newEmbedder(cfg, eng),
			Cache:       store,
			ChunkPolicy: chunker.Policy(),
			Strict:      strict,
			KeepBuilds:  keep,
		})

		printStep("Embedding with %s (%s)", cfg.Embed.Model, eng.Name())
		report, err := builder.Build(ctx, corpus.Chunks, corpus.Documents)
		for _, f := range report.Failed {
			printWarning("%v", f)
		}
		if err != nil {
			if errors.Is(err, index.ErrBuildInProgress) {
				return fmt.Errorf("another build is running on %s", cfg.IndexDir())
			}
			return err
		}

		printStatus("Build", "%s", report.BuildID)
		printStatus("Indexed", "%d of %d chunks (%d cached, %d embedded)", report.Indexed, report.Chunks, report.Cached, report.Embedded)
		printStatus("Dimension", "%d", report.Dimension)
		if report.Pruned > 0 {
			printStatus("Pruned", "%d old builds", report.Pruned)
		}
		printSuccess("Index published in %s", report.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	buildCmd.Flags().Bool("strict", false, "abort when any embedding batch fails")
	buildCmd.Flags().Int("keep", 2, "previous builds to keep")
}

// --- retrieve ---

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Show the chunks most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		remote, _ := cmd.Flags().GetBool("remote")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if k == 0 {
			k = cfg.Retrieval.TopK
		}

		var results []api.ChunkResult
		if remote {
			client := newAPIClient(cfg)
			resp, err := client.post(cmd.Context(), "/v1/retrieve", api.RetrieveRequest{Query: query, K: &k})
			if err != nil {
				return err
			}
			var body struct {
				Results []api.ChunkResult `json:"results"`
			}
			if err := decodeJSON(resp, &body); err != nil {
				return err
			}
			results = body.Results
		} else {
			s, err := openSession(cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()
			found, err := s.retriever.Retrieve(cmd.Context(), query, k)
			if err != nil {
				return err
			}
			results = toChunkResults(found)
		}

		if asJSON {
			return writeIndented(os.Stdout, results)
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f] %s, %s\n", colorize(color.Bold, fmt.Sprintf("%d. %s", i+1, r.ChunkID)), r.Score, r.DocID, r.Section)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	retrieveCmd.Flags().Int("k", 0, "number of chunks (default retrieval.top_k)")
	retrieveCmd.Flags().Bool("remote", false, "query the running litrag server")
	retrieveCmd.Flags().Bool("json", false, "print JSON")
}

func toChunkResults(results []retrieval.Result) []api.ChunkResult {
	out := make([]api.ChunkResult, len(results))
	for i, r := range results {
		out[i] = api.ChunkResult{ChunkID: r.Chunk.ID, DocID: r.Chunk.DocID, Section: r.Chunk.Section, Text: r.Chunk.Text, Score: r.Score}
	}
	return out
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed articles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		remote, _ := cmd.Flags().GetBool("remote")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if k == 0 {
			k = cfg.Retrieval.TopK
		}

		var ans pipeline.Answer
		if remote {
			client := newAPIClient(cfg)
			resp, err := client.post(cmd.Context(), "/v1/ask", api.AskRequest{Question: question, K: &k})
			if err != nil {
				return err
			}
			var body api.AskResponse
			if err := decodeJSON(resp, &body); err != nil {
				return err
			}
			ans = body.Answer
		} else {
			s, err := openSession(cfg, true)
			if err != nil {
				return err
			}
			defer s.Close()
			ans, err = s.answerer.Ask(cmd.Context(), question, k)
			if err != nil {
				return err
			}
		}

		if asJSON {
			return writeIndented(os.Stdout, ans)
		}
		renderAnswer(os.Stdout, ans)
		return nil
	},
}

func init() {
	askCmd.Flags().Int("k", 0, "number of chunks to ground the answer on (default retrieval.top_k)")
	askCmd.Flags().Bool("remote", false, "ask the running litrag server")
	askCmd.Flags().Bool("json", false, "print JSON")
}

func renderAnswer(w io.Writer, ans pipeline.Answer) {
	fmt.Fprintf(w, "\n%s\n\n%s\n", colorize(color.Bold, "=== ANSWER ==="), ans.Text)
	if ans.NoContext {
		fmt.Fprintf(w, "\n%s\n", colorize(color.FgYellow, "No supporting excerpts were found in the index."))
		return
	}
	fmt.Fprintf(w, "\n%s\n\n", colorize(color.Bold, "=== SOURCES ==="))
	for _, s := range ans.Sources {
		fmt.Fprintf(w, "%s %s, %s  %s\n",
			colorize(color.FgCyan, fmt.Sprintf("[%d]", s.N)), s.DocID, s.Section,
			colorize(color.Faint, fmt.Sprintf("(%s, score %.3f)", s.ChunkID, s.Score)))
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage embedding models",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull [model]",
	Short: "Download an embedding model (default embed.model)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		model := cfg.Embed.Model
		if len(args) == 1 {
			model = args[0]
		}
		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}
		if c, ok := eng.(io.Closer); ok {
			defer c.Close()
		}
		if err := engine.EnsureReady(cmd.Context(), eng, os.Stderr, model); err != nil {
			return err
		}
		printSuccess("Model %s ready (%s)", model, eng.Name())
		return nil
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models available to the embedding backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}
		models, err := eng.ListModels(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			marker := "  "
			if m == cfg.Embed.Model || strings.HasPrefix(m, cfg.Embed.Model+":") {
				marker = colorize(color.FgGreen, "* ")
			}
			fmt.Printf("%s%s\n", marker, m)
		}
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsPullCmd)
	modelsCmd.AddCommand(modelsListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s\n", colorize(color.Faint, "# "+config.ConfigFilePath()))
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(color.Bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
