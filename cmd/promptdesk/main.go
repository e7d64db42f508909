// Command promptdesk runs the retrieval-augmented conversational agent:
// an interactive chat REPL and a corpus ingest subcommand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"promptdesk/internal/adapter/checkpoint"
	"promptdesk/internal/adapter/embedding"
	"promptdesk/internal/adapter/llm"
	"promptdesk/internal/adapter/retrieval"
	"promptdesk/internal/adapter/tokenizer"
	"promptdesk/internal/adapter/tool"
	"promptdesk/internal/domain"
	"promptdesk/internal/infra/config"
	"promptdesk/internal/infra/logger"
	"promptdesk/internal/infra/tracer"
	"promptdesk/internal/usecase"
	"promptdesk/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "promptdesk:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	stream := flag.Bool("stream", false, "stream assistant output token by token")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	switch flag.Arg(0) {
	case "ingest":
		dir := flag.Arg(1)
		if dir == "" {
			return errors.New("usage: promptdesk ingest <dir>")
		}
		return runIngest(ctx, app, dir)
	case "", "chat":
		return runChat(ctx, app, *stream)
	default:
		return fmt.Errorf("unknown command %q (want chat or ingest)", flag.Arg(0))
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// app holds the wired object graph.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	bus          *eventbus.Bus
	orchestrator *usecase.Orchestrator
	ingestor     *retrieval.Ingestor
	corpus       *retrieval.CorpusStore
	checkpoints  func() error
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	bus := eventbus.New(log)
	counter := tokenizer.NewCounter("cl100k_base", log)

	// Corpus pipeline.
	if err := os.MkdirAll(filepath.Dir(cfg.Retrieval.DBPath), 0o755); err != nil {
		return nil, err
	}
	corpus, err := retrieval.OpenCorpusStore(cfg.Retrieval.DBPath)
	if err != nil {
		return nil, err
	}

	var embedder domain.EmbeddingProvider = embedding.NewOpenAIEmbedder(cfg.Retrieval.Embedding)
	embedder = embedding.NewThrottledEmbedder(embedder, cfg.Retrieval.Embedding.MaxQPS)
	if cfg.Retrieval.Embedding.CacheSize > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, cfg.Retrieval.Embedding.CacheSize)
	}

	chunker := retrieval.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap,
		cfg.Retrieval.MinChunkSize, counter)
	vectors := retrieval.NewMemoryVectorIndex()
	lexical := retrieval.NewLexicalIndex()
	catalog := retrieval.NewCatalog()
	ingestor := retrieval.NewIngestor(chunker, embedder, corpus, vectors, lexical, catalog, log)
	if _, err := ingestor.LoadIndexes(ctx); err != nil {
		corpus.Close()
		return nil, err
	}

	engine := retrieval.NewEngine(embedder, vectors, lexical, catalog, counter,
		retrieval.EngineOptions{
			SemanticWeight: cfg.Retrieval.SemanticWeight,
			LexicalWeight:  cfg.Retrieval.LexicalWeight,
		}, log, bus)

	// Tools.
	registry := tool.NewRegistry()
	search := tool.NewSearchTool(engine, cfg.Retrieval.TopK, cfg.Retrieval.ContextTokens)
	registry.MustRegister(tool.NewTimeboxed(tool.MustValidated(search), cfg.Agent.ToolTimeout))

	// Checkpoints.
	var checkpoints domain.CheckpointStore
	var closeCheckpoints func() error
	switch cfg.Checkpoint.Backend {
	case "memory":
		checkpoints = checkpoint.NewMemoryStore()
		closeCheckpoints = func() error { return nil }
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.DBPath), 0o755); err != nil {
			corpus.Close()
			return nil, err
		}
		store, err := checkpoint.OpenSQLiteStore(cfg.Checkpoint.DBPath)
		if err != nil {
			corpus.Close()
			return nil, err
		}
		checkpoints = store
		closeCheckpoints = store.Close
	}

	// Model.
	provider := llm.NewBreakerProvider(llm.NewOpenAIClient(cfg.LLM), cfg.LLM.Breaker, log)

	gate := usecase.NewSlidingWindowGate(cfg.Limiter)
	orchestrator := usecase.NewOrchestrator(usecase.Deps{
		Provider:    provider,
		Tools:       registry,
		Checkpoints: checkpoints,
		Gate:        gate,
		Bus:         bus,
		Logger:      log,
	}, cfg.Agent, cfg.LLM)

	return &app{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		orchestrator: orchestrator,
		ingestor:     ingestor,
		corpus:       corpus,
		checkpoints:  closeCheckpoints,
	}, nil
}

func (a *app) close() {
	a.bus.Close()
	if err := a.checkpoints(); err != nil {
		a.log.Warn("closing checkpoint store", "error", err)
	}
	if err := a.corpus.Close(); err != nil {
		a.log.Warn("closing corpus store", "error", err)
	}
}

func runIngest(ctx context.Context, a *app, dir string) error {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !ingestable(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		doc := retrieval.Document{
			ID:       docID(rel),
			Title:    docTitle(string(data), rel),
			Category: docCategory(rel),
			Text:     string(data),
		}
		n, err := a.ingestor.IngestDocument(ctx, doc)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", rel, err)
		}
		fmt.Printf("  %s: %d chunks\n", rel, n)
		total += n
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d chunks from %s\n", total, dir)
	return nil
}

func ingestable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

func docID(rel string) string {
	id := strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(id, string(filepath.Separator), "/")
}

// docTitle uses the first markdown heading, falling back to the file name.
func docTitle(text, rel string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
	}
	return strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
}

// docCategory is the top-level directory of the document, if any.
func docCategory(rel string) string {
	parts := strings.SplitN(rel, string(filepath.Separator), 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

func runChat(ctx context.Context, a *app, stream bool) error {
	if stream {
		unsub := a.bus.Subscribe(domain.EventStreamDelta, func(ctx context.Context, e domain.Event) {
			var p domain.StreamDeltaPayload
			if json.Unmarshal(e.Payload, &p) == nil {
				fmt.Print(p.Content)
			}
		})
		defer unsub()
	}

	fmt.Println("promptdesk: type a message, /new for a fresh thread, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	threadID := ""

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/new":
			threadID = ""
			fmt.Println("started a new thread")
			continue
		}

		req := domain.TurnRequest{
			ThreadID:    threadID,
			PrincipalID: "cli:" + os.Getenv("USER"),
			Message:     line,
		}

		var resp *domain.TurnResponse
		var pending *usecase.PendingTurn
		var err error
		if stream {
			resp, pending, err = a.orchestrator.HandleTurnStream(ctx, req)
		} else {
			resp, pending, err = a.orchestrator.HandleTurn(ctx, req)
		}

		for pending != nil && err == nil {
			resp, pending, err = resolvePending(ctx, a, scanner, pending)
		}
		if err != nil {
			if errors.Is(err, domain.ErrTurnAborted) {
				fmt.Println("(turn aborted)")
				continue
			}
			fmt.Printf("error [%s]: %v\n", domain.ErrorCodeOf(err), err)
			continue
		}

		if !resp.Admitted {
			fmt.Printf("rate limited; retry in %s\n", resp.RetryAfter.Round(time.Second))
			continue
		}
		threadID = resp.ThreadID

		if stream {
			fmt.Println()
		} else {
			fmt.Println(resp.Answer)
		}
		for _, src := range resp.Sources {
			fmt.Printf("  [%s] %s (%.2f)\n", src.DocumentID, src.Title, src.Score)
		}
	}
}

// resolvePending asks the operator what to do with a suspended turn.
func resolvePending(ctx context.Context, a *app, scanner *bufio.Scanner, pending *usecase.PendingTurn) (*domain.TurnResponse, *usecase.PendingTurn, error) {
	fmt.Println("the assistant wants to run:")
	for _, call := range pending.ProposedCalls {
		fmt.Printf("  %s %s\n", call.Name, string(call.Arguments))
	}
	fmt.Print("approve? [y]es / [n]o: ")
	if !scanner.Scan() {
		return a.orchestrator.Resume(ctx, pending.ThreadID, usecase.Decision{Kind: usecase.DecisionAbort})
	}

	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return a.orchestrator.Resume(ctx, pending.ThreadID, usecase.Decision{Kind: usecase.DecisionContinue})
	default:
		return a.orchestrator.Resume(ctx, pending.ThreadID, usecase.Decision{Kind: usecase.DecisionAbort})
	}
}
