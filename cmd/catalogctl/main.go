package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/af-corp/tierproxy/internal/auth"
	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/config"
	"github.com/af-corp/tierproxy/internal/history"
	"github.com/af-corp/tierproxy/internal/probe"
	"github.com/af-corp/tierproxy/internal/upstream"
	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Globals struct {
	Config  string        `help:"Path to configuration directory." default:"configs" type:"path" env:"TIERPROXY_CONFIG"`
	Timeout time.Duration `help:"Overall command timeout." default:"2m"`
}

type cli struct {
	Globals

	Classify classifyCmd `cmd:"" help:"Fetch the upstream catalog and show how each model is classified."`
	Probe    probeCmd    `cmd:"" help:"Health-check models the way a refresh cycle would."`
	Token    tokenCmd    `cmd:"" help:"Generate an admin token."`
	History  historyCmd  `cmd:"" help:"Show recent refresh cycles."`
}

// runContext carries what every subcommand needs.
type runContext struct {
	ctx    context.Context
	loader *config.Loader
	logger *slog.Logger
}

func (r *runContext) config() (*config.Config, error) {
	if err := r.loader.Load(); err != nil {
		return nil, err
	}
	return r.loader.Config(), nil
}

type classifyCmd struct {
	Class string `help:"Only show models in this class (free, stealth, excluded)."`
	JSON  bool   `help:"Print JSON instead of a table."`
}

type classified struct {
	ID    string        `json:"id"`
	Class catalog.Class `json:"class"`
	Rule  string        `json:"rule"`
}

func (c *classifyCmd) Run(rc *runContext) error {
	if c.Class != "" {
		if _, err := catalog.ParseClass(c.Class); err != nil {
			return err
		}
	}
	cfg, err := rc.config()
	if err != nil {
		return err
	}
	descriptors, err := upstream.NewClient(cfg.Upstream, cfg.Proxy).FetchModels(rc.ctx)
	if err != nil {
		return err
	}

	classifier := rc.loader.Classifier()
	var rows []classified
	for _, d := range descriptors {
		class, rule := classifier.Explain(d)
		if c.Class != "" && string(class) != c.Class {
			continue
		}
		rows = append(rows, classified{ID: d.ID, Class: class, Rule: rule})
	}

	if c.JSON {
		return printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCLASS\tRULE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Class, r.Rule)
	}
	fmt.Fprintf(tw, "\n%d of %d models (rules: %s)\n", len(rows), len(descriptors), rc.loader.RulesSource())
	return tw.Flush()
}

type probeCmd struct {
	Models []string `arg:"" optional:"" help:"Model IDs to probe. Defaults to every free and stealth model."`
	JSON   bool     `help:"Print JSON instead of a table."`
}

type probed struct {
	ID     string               `json:"id"`
	Tier   catalog.Tier         `json:"tier"`
	Status catalog.HealthStatus `json:"status"`
}

func (p *probeCmd) Run(rc *runContext) error {
	cfg, err := rc.config()
	if err != nil {
		return err
	}
	if cfg.ProbeKey() == "" {
		return fmt.Errorf("no probe key configured (set health.api_key or upstream.api_key)")
	}

	descriptors, err := upstream.NewClient(cfg.Upstream, cfg.Proxy).FetchModels(rc.ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(p.Models))
	for _, id := range p.Models {
		wanted[id] = true
	}

	classifier := rc.loader.Classifier()
	var candidates []probe.Candidate
	for _, d := range descriptors {
		tier, ok := classifier.Classify(d).Tier()
		if !ok {
			continue
		}
		if len(wanted) > 0 && !wanted[d.ID] && !wanted[d.DisplayID()] {
			continue
		}
		candidates = append(candidates, probe.Candidate{Descriptor: d, Tier: tier})
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no listable models matched %s", strings.Join(p.Models, ", "))
	}

	checker := probe.NewChecker(probe.Options{
		BaseURL:              cfg.Upstream.BaseURL,
		APIKey:               cfg.ProbeKey(),
		Concurrency:          cfg.Health.Concurrency,
		PassTimeout:          cfg.Health.PassTimeout,
		ProbeTimeout:         func(t catalog.Tier) time.Duration { return cfg.Tier(t).ProbeTimeout },
		RateLimitedIsHealthy: cfg.Health.RateLimitedIsHealthy,
		Prompt:               cfg.Health.Prompt,
		MaxTokens:            cfg.Health.MaxTokens,
	}, nil, rc.logger)

	statuses := checker.ProbeAll(rc.ctx, candidates)
	rows := make([]probed, len(candidates))
	healthy := 0
	for i, cand := range candidates {
		rows[i] = probed{ID: cand.Descriptor.ID, Tier: cand.Tier, Status: statuses[i]}
		if statuses[i].IsHealthy() {
			healthy++
		}
	}

	if p.JSON {
		return printJSON(rows)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tTIER\tSTATE\tREASON\tLATENCY\tDETAIL")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Tier, r.Status.State, r.Status.Reason,
			r.Status.Latency.Round(time.Millisecond), r.Status.Detail)
	}
	fmt.Fprintf(tw, "\n%d/%d healthy\n", healthy, len(rows))
	return tw.Flush()
}

type tokenCmd struct{}

func (tokenCmd) Run(*runContext) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Println("=== tierproxy admin token ===")
	fmt.Println()
	fmt.Println("  Token (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", token)
	fmt.Println()
	fmt.Println("  Config value (admin.token or TIERPROXY_ADMIN_TOKEN):")
	fmt.Printf("  %s%s\n", auth.HashedPrefix, auth.HashToken(token))
	fmt.Println()
	fmt.Printf("  Prefix shown in logs: %s\n", auth.DisplayPrefix(token))
	return nil
}

type historyCmd struct {
	Limit int  `help:"Number of cycles to show." default:"20"`
	JSON  bool `help:"Print JSON instead of a table."`
}

func (h *historyCmd) Run(rc *runContext) error {
	cfg, err := rc.config()
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(rc.ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	cycles, err := history.NewPGRecorder(pool).Recent(rc.ctx, h.Limit)
	if err != nil {
		return err
	}

	if h.JSON {
		return printJSON(cycles)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTRIGGER\tOUTCOME\tGEN\tFETCHED\tFREE\tSTEALTH\tDURATION\tERROR")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			c.StartedAt.Format(time.RFC3339), c.Trigger, c.Outcome, c.Generation,
			c.Fetched, c.FreeCount, c.StealthCount, c.Duration().Round(time.Millisecond), c.Error)
	}
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("catalogctl"),
		kong.Description("Inspect the upstream catalog, probe models and manage tierproxy admin tokens."),
		kong.UsageOnError(),
	)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	err := kctx.Run(&runContext{
		ctx:    ctx,
		loader: config.NewLoader(c.Config, logger),
		logger: logger,
	})
	kctx.FatalIfErrorf(err)
}
