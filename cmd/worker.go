package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crowdgate/crowdgate/internal/classifier"
	"github.com/crowdgate/crowdgate/internal/model"
	"github.com/crowdgate/crowdgate/internal/platform"
	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/shield"
	"github.com/crowdgate/crowdgate/internal/worker"
)

var (
	workerRoles        []string
	workerFetchEvery   time.Duration
	workerFakeAdapters bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker pools",
	Long:  "Processes fetch, analysis, shield action, and reply jobs. By default all roles run in one process; --roles restricts to a subset.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if workerFakeAdapters {
			registerFakeAdapters(e.Registry)
		}

		matrix, err := loadMatrix()
		if err != nil {
			return err
		}
		engine := shield.NewEngine(e.Store, matrix)
		thresholds := classifier.ThresholdsFromConfig(cfg.Classifier)
		maxAttempts := cfg.Queue.MaxAttempts

		runtime := worker.NewRuntime(e.Queue, cfg.Queue)
		roles := roleSet(workerRoles)
		if roles[model.RoleFetch] {
			runtime.Register(worker.NewFetch(e.Store, e.Queue, e.Ledger, e.Registry, maxAttempts), cfg.Workers.Fetch)
		}
		if roles[model.RoleAnalysis] {
			runtime.Register(worker.NewAnalysis(e.Store, e.Queue, e.Ledger, e.Classifier,
				thresholds, engine, cfg.Shield, maxAttempts), cfg.Workers.Analysis)
		}
		if roles[model.RoleShieldAction] {
			runtime.Register(worker.NewShieldAction(e.Store, e.Ledger, e.Registry), cfg.Workers.ShieldAction)
		}
		if roles[model.RoleReply] {
			runtime.Register(worker.NewReply(e.Store, e.Ledger, e.Generator, e.Registry,
				cfg.Generator.DefaultTone), cfg.Workers.Reply)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runtime.Run(ctx) })
		g.Go(func() error {
			worker.StatsPublisher(ctx, e.Queue, 15*time.Second)
			return nil
		})
		if roles[model.RoleFetch] {
			g.Go(func() error {
				scheduleFetches(ctx, e, workerFetchEvery)
				return nil
			})
		}

		return g.Wait()
	},
}

// loadMatrix returns the shield matrix, applying the yaml override when
// configured.
func loadMatrix() (*shield.Matrix, error) {
	if cfg.Shield.MatrixFile == "" {
		return shield.DefaultMatrix(), nil
	}
	m, err := shield.LoadMatrix(cfg.Shield.MatrixFile)
	if err != nil {
		return nil, eris.Wrap(err, "worker: load shield matrix")
	}
	zap.L().Info("worker: shield matrix loaded from file",
		zap.String("path", cfg.Shield.MatrixFile))
	return m, nil
}

func roleSet(names []string) map[model.JobRole]bool {
	out := make(map[model.JobRole]bool)
	if len(names) == 0 {
		for _, r := range model.AllRoles() {
			out[r] = true
		}
		return out
	}
	for _, n := range names {
		out[model.JobRole(n)] = true
	}
	return out
}

// scheduleFetches periodically enqueues one fetch job per enabled
// integration. The idempotency key carries the schedule tick, so
// overlapping scheduler instances collapse into one job per tick.
func scheduleFetches(ctx context.Context, e *env, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		integrations, err := e.Store.ListIntegrations(ctx, true)
		if err != nil {
			zap.L().Warn("worker: list integrations failed", zap.Error(err))
		}
		tick := time.Now().UTC().Truncate(every).Unix()
		for _, in := range integrations {
			payload, err := json.Marshal(model.FetchPayload{
				Platform:      in.Platform,
				IntegrationID: in.ID,
			})
			if err != nil {
				continue
			}
			key := fmt.Sprintf("fetch:%s:%d", in.ID, tick)
			job := queue.NewJob(model.RoleFetch, in.TenantID, key, model.PriorityLow, payload, cfg.Queue.MaxAttempts)
			if _, err := e.Queue.Enqueue(ctx, job); err != nil && !queue.IsSentinel(err) {
				zap.L().Warn("worker: schedule fetch failed",
					zap.String("integration_id", in.ID),
					zap.Error(err),
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// registerFakeAdapters fills the registry with in-memory adapters whose
// capability sets mimic the real platforms. Local runs only.
func registerFakeAdapters(reg *platform.Registry) {
	zap.L().Warn("worker: using fake platform adapters")
	reg.Register(platform.NewFake(model.PlatformTwitter,
		model.ActionHide, model.ActionMute, model.ActionBlock, model.ActionReport, model.ActionReply))
	reg.Register(platform.NewFake(model.PlatformYouTube,
		model.ActionHide, model.ActionReply))
	reg.Register(platform.NewFake(model.PlatformDiscord,
		model.ActionHide, model.ActionMute, model.ActionBlock, model.ActionReply))
	reg.Register(platform.NewFake(model.PlatformTwitch,
		model.ActionBlock, model.ActionReply))
	reg.Register(platform.NewFake(model.PlatformBluesky,
		model.ActionHide, model.ActionMute, model.ActionBlock, model.ActionReply))
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerRoles, "roles", nil, "worker roles to run (default all: fetch,analysis,shield_action,reply)")
	workerCmd.Flags().DurationVar(&workerFetchEvery, "fetch-interval", time.Minute, "how often to schedule fetch jobs per integration")
	workerCmd.Flags().BoolVar(&workerFakeAdapters, "fake-adapters", false, "register in-memory platform adapters (local runs)")
	rootCmd.AddCommand(workerCmd)
}
