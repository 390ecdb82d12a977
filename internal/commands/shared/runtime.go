package shared

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/arazzo/internal/config"
	"github.com/tombee/arazzo/internal/engine"
	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/httpclient"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/internal/retry"
	"github.com/tombee/arazzo/internal/secrets"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/policy"
)

// Runtime bundles everything a run command needs for one document.
type Runtime struct {
	Doc      *arazzo.Document
	DocHash  string
	Store    store.Store
	Engine   *engine.Engine
	Registry *prometheus.Registry
	Logger   *slog.Logger

	ownsStore bool
}

// Close releases the runtime's resources.
func (r *Runtime) Close() {
	if r.ownsStore && r.Store != nil {
		r.Store.Close()
	}
}

// LoadDocument parses and validates a workflow document, mapping an
// invalid document to exit code 2.
func LoadDocument(path string) (*arazzo.Document, []byte, error) {
	doc, raw, err := arazzo.ParseFile(path)
	if err != nil {
		return nil, nil, Validation(err)
	}
	findings := arazzo.Validate(doc)
	if !findings.Valid() {
		var b strings.Builder
		for _, finding := range findings {
			fmt.Fprintf(&b, "%s\n", finding)
		}
		return nil, nil, Validation(fmt.Errorf("document is invalid:\n%s", strings.TrimSuffix(b.String(), "\n")))
	}
	return doc, raw, nil
}

// BuildRuntime wires the full execution stack for a document: store,
// compiler, policy, secrets, event sinks, engine. Resolve failures
// (unknown operations, unreachable sources) abort with exit 2 before
// any run exists.
func BuildRuntime(ctx context.Context, docPath string, cfg *config.Exec, logger *slog.Logger) (*Runtime, error) {
	doc, raw, err := LoadDocument(docPath)
	if err != nil {
		return nil, err
	}
	docHash := arazzo.Hash(raw)

	overrides, err := cfg.OpenAPIOverrides()
	if err != nil {
		return nil, Validation(err)
	}
	compiler, err := openapi.NewCompiler(ctx, doc, docHash, openapi.NewLoader(overrides))
	if err != nil {
		return nil, Validation(err)
	}

	rt := &Runtime{Doc: doc, DocHash: docHash, Logger: logger}

	if url := cfg.DatabaseURL(); url != "" {
		pg, err := store.Open(ctx, url)
		if err != nil {
			return nil, RuntimeErr(err)
		}
		rt.Store = pg
		rt.ownsStore = true
	} else {
		rt.Store = store.NewMemory()
	}

	if err := rt.Store.PutDocument(ctx, &store.Document{ID: docHash, Title: doc.Info.Title, Content: raw}); err != nil {
		rt.Close()
		return nil, RuntimeErr(err)
	}
	var snapshots []store.SourceSnapshot
	for _, src := range compiler.Sources() {
		snapshots = append(snapshots, store.SourceSnapshot{
			DocumentID: docHash,
			Name:       src.Name,
			URL:        src.URL,
			Version:    src.Version,
			Content:    src.Raw,
		})
	}
	if err := rt.Store.PutSources(ctx, snapshots); err != nil {
		rt.Close()
		return nil, RuntimeErr(err)
	}

	var sinks []events.Sink
	switch cfg.Events {
	case "stdout", "both", "":
		sinks = append(sinks, events.NewStdoutSink(os.Stdout, cfg.Format == "json"))
	case "none", "postgres":
		// The store sink is always on; nothing extra.
	default:
		rt.Close()
		return nil, Validation(fmt.Errorf("unknown --events mode %q", cfg.Events))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.WebhookURL, logger))
	}
	bus := events.NewBus(rt.Store, logger, sinks...)

	pol := policy.Default()
	pol.AllowedHosts = cfg.AllowHosts
	pol.AllowPrivate = cfg.AllowPrivate

	clientCfg := httpclient.DefaultConfig()
	if cfg.TimeoutMS > 0 {
		clientCfg.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	client := httpclient.New(clientCfg, pol)

	resolver, err := buildSecrets(cfg.Secrets)
	if err != nil {
		rt.Close()
		return nil, Validation(err)
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Engine = engine.New(engine.Params{
		Document: doc,
		DocHash:  docHash,
		Store:    rt.Store,
		Bus:      bus,
		Client:   client,
		Policy:   pol,
		Secrets:  resolver,
		Retry:    retry.Default(),
		Compiler: compiler,
		Logger:   logger,
		Metrics:  engine.NewMetrics(rt.Registry),
		Config: engine.Config{
			MaxConcurrency:    cfg.MaxConcurrency,
			ContinueOnFailure: cfg.ContinueOnFailure,
			Creator:           cfg.ResolveCreator(),
		},
	})
	return rt, nil
}

// buildSecrets assembles the provider set --secrets selects.
func buildSecrets(selected []string) (*secrets.Resolver, error) {
	if len(selected) == 0 {
		return secrets.NewResolver(secrets.DefaultProviders()...), nil
	}
	var providers []secrets.Provider
	for _, name := range selected {
		switch name {
		case "env":
			providers = append(providers, secrets.NewEnvProvider())
		case "file":
			providers = append(providers, secrets.NewFileProvider())
		case "aws":
			providers = append(providers, secrets.NewAWSProvider())
		case "gcp":
			providers = append(providers, secrets.NewGCPProvider())
		case "keyring":
			providers = append(providers, secrets.NewKeyringProvider())
		default:
			return nil, fmt.Errorf("unknown secret provider %q", name)
		}
	}
	return secrets.NewResolver(providers...), nil
}
