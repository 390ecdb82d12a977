package shared

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/engine"
	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/httpclient"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/internal/retry"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/policy"
)

// OpenStore connects to the configured database. Commands that inspect
// or resume runs require one.
func OpenStore(ctx context.Context, cfg *config.Exec) (store.Store, error) {
	url := cfg.DatabaseURL()
	if url == "" {
		return nil, RuntimeErr(fmt.Errorf("no store configured: set --store, ARAZZO_DATABASE_URL, or DATABASE_URL"))
	}
	st, err := store.Open(ctx, url)
	if err != nil {
		return nil, RuntimeErr(err)
	}
	return st, nil
}

// BuildRuntimeForRun rebuilds the execution stack for an existing run
// from persisted state: the document row and the frozen OpenAPI
// snapshots. Resume never depends on the original files or the network.
func BuildRuntimeForRun(ctx context.Context, runID uuid.UUID, cfg *config.Exec, logger *slog.Logger) (*Runtime, *store.Run, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		st.Close()
		return nil, nil, RuntimeErr(fmt.Errorf("load run %s: %w", runID, err))
	}

	docRow, err := st.GetDocument(ctx, run.DocumentID)
	if err != nil {
		st.Close()
		return nil, nil, RuntimeErr(fmt.Errorf("load document %s: %w", run.DocumentID, err))
	}
	doc, err := arazzo.Parse(docRow.Content)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if arazzo.Hash(docRow.Content) != run.DocumentID {
		logger.Warn("persisted document hash mismatch, proceeding with the stored row",
			"run_id", runID.String())
	}

	snapshots, err := st.ListSources(ctx, run.DocumentID)
	if err != nil {
		st.Close()
		return nil, nil, RuntimeErr(err)
	}
	loader := openapi.NewLoader(nil)
	loader.Preloaded = make(map[string][]byte, len(snapshots))
	for _, snap := range snapshots {
		loader.Preloaded[snap.Name] = snap.Content
	}

	compiler, err := openapi.NewCompiler(ctx, doc, run.DocumentID, loader)
	if err != nil {
		st.Close()
		return nil, nil, Validation(err)
	}

	var sinks []events.Sink
	if cfg.Events == "stdout" || cfg.Events == "both" || cfg.Events == "" {
		sinks = append(sinks, events.NewStdoutSink(os.Stdout, cfg.Format == "json"))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.WebhookURL, logger))
	}
	bus := events.NewBus(st, logger, sinks...)

	pol := policy.Default()
	pol.AllowedHosts = cfg.AllowHosts
	pol.AllowPrivate = cfg.AllowPrivate

	clientCfg := httpclient.DefaultConfig()
	if cfg.TimeoutMS > 0 {
		clientCfg.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}

	resolver, err := buildSecrets(cfg.Secrets)
	if err != nil {
		st.Close()
		return nil, nil, Validation(err)
	}

	registry := prometheus.NewRegistry()
	rt := &Runtime{
		Doc:       doc,
		DocHash:   run.DocumentID,
		Store:     st,
		Registry:  registry,
		Logger:    logger,
		ownsStore: true,
	}
	rt.Engine = engine.New(engine.Params{
		Document: doc,
		DocHash:  run.DocumentID,
		Store:    st,
		Bus:      bus,
		Client:   httpclient.New(clientCfg, pol),
		Policy:   pol,
		Secrets:  resolver,
		Retry:    retry.Default(),
		Compiler: compiler,
		Logger:   logger,
		Metrics:  engine.NewMetrics(registry),
		Config: engine.Config{
			MaxConcurrency:    cfg.MaxConcurrency,
			ContinueOnFailure: cfg.ContinueOnFailure,
			Creator:           cfg.ResolveCreator(),
		},
	})
	return rt, run, nil
}
