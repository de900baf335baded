package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/logrusorgru/aurora"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "github.com/lib/pq"

	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/plot"
	"github.com/cartridge/learner/internal/policy"
	"github.com/cartridge/learner/internal/ppo"
	"github.com/cartridge/learner/internal/trainer"
)

var (
	cfg        *config.Config
	configFile string
	resume     bool
)

// flagKeys maps each flag onto its nested config key.
var flagKeys = map[string]string{
	"run-id":                   "trainer.run_id",
	"max-episodes":             "trainer.max_episodes",
	"max-steps":                "trainer.max_steps_per_episode",
	"update-every":             "trainer.update_every",
	"print-every":              "trainer.print_every",
	"save-every":               "trainer.save_every",
	"reward-window":            "trainer.reward_window",
	"continue-on-update-error": "trainer.continue_on_update_error",
	"hidden":                   "ppo.hidden",
	"gamma":                    "ppo.gamma",
	"lambda":                   "ppo.lambda",
	"clip-ratio":               "ppo.clip_ratio",
	"pi-lr":                    "ppo.pi_lr",
	"vf-lr":                    "ppo.vf_lr",
	"entropy-coef":             "ppo.entropy_coef",
	"value-coef":               "ppo.value_coef",
	"update-epochs":            "ppo.update_epochs",
	"minibatch-size":           "ppo.minibatch_size",
	"init-log-std":             "ppo.init_log_std",
	"max-grad-norm":            "ppo.max_grad_norm",
	"seed":                     "ppo.seed",
	"requests":                 "env.requests",
	"cap-max":                  "env.cap_max",
	"horizon":                  "env.horizon",
	"env-seed":                 "env.seed",
	"unfair-lambda":            "env.unfair_lambda",
	"ar-rho":                   "env.ar_rho",
	"vary-per-step":            "env.vary_per_step",
	"checkpoint-dir":           "checkpoint.dir",
	"sqlite-path":              "checkpoint.sqlite_path",
	"postgres-dsn":             "checkpoint.postgres_dsn",
	"nats-url":                 "nats.url",
	"nats-subject":             "nats.subject",
	"eval-episodes":            "eval_episodes",
	"plot-dir":                 "plot_dir",
	"log-level":                "log_level",
}

var rootCmd = &cobra.Command{
	Use:   "learner",
	Short: "Cartridge PPO learner",
	Long: `Learner trains a bounded Gaussian policy with PPO on the allocation
environment, checkpoints it periodically and reports the learned policy
against a uniform random baseline.`,
	RunE: runLearner,
}

func init() {
	cfg = config.Default()
	flags := rootCmd.Flags()

	flags.StringVar(&configFile, "config", "", "Optional config file (yaml, json or toml)")
	flags.BoolVar(&resume, "resume", false, "Restore the latest checkpoint of the run before training")

	// Run
	flags.String("run-id", cfg.Trainer.RunID, "Run identifier used for checkpoints and events")
	flags.Int("max-episodes", cfg.Trainer.MaxEpisodes, "Episodes to train")
	flags.Int("max-steps", cfg.Trainer.MaxStepsPerEpisode, "Step cap per episode")
	flags.Int("update-every", cfg.Trainer.UpdateEvery, "Steps between PPO updates")
	flags.Int("print-every", cfg.Trainer.PrintEvery, "Episodes between progress lines")
	flags.Int("save-every", cfg.Trainer.SaveEvery, "Episodes between checkpoints (0 disables)")
	flags.Int("reward-window", cfg.Trainer.RewardWindow, "Moving-average window for episode rewards")
	flags.Bool("continue-on-update-error", cfg.Trainer.ContinueOnUpdateError, "Skip update cycles that hit a non-finite loss")

	// PPO
	flags.Int("hidden", cfg.PPO.Hidden, "Hidden layer width")
	flags.Float64("gamma", cfg.PPO.Gamma, "Discount factor")
	flags.Float64("lambda", cfg.PPO.Lambda, "GAE lambda")
	flags.Float64("clip-ratio", cfg.PPO.ClipRatio, "PPO clip epsilon")
	flags.Float64("pi-lr", cfg.PPO.PolicyLR, "Policy learning rate")
	flags.Float64("vf-lr", cfg.PPO.ValueLR, "Value learning rate")
	flags.Float64("entropy-coef", cfg.PPO.EntropyCoef, "Entropy bonus coefficient")
	flags.Float64("value-coef", cfg.PPO.ValueCoef, "Value loss coefficient")
	flags.Int("update-epochs", cfg.PPO.UpdateEpochs, "Epochs per update")
	flags.Int("minibatch-size", cfg.PPO.MinibatchSize, "Minibatch size")
	flags.Float64("init-log-std", cfg.PPO.InitLogStd, "Initial log standard deviation")
	flags.Float64("max-grad-norm", cfg.PPO.MaxGradNorm, "Gradient norm cap (0 disables)")
	flags.Int64("seed", cfg.PPO.Seed, "Agent random seed")

	// Environment
	flags.Int("requests", cfg.Env.Requests, "Competing requests")
	flags.Int("cap-max", cfg.Env.CapMax, "Maximum capacity per request")
	flags.Int("horizon", cfg.Env.Horizon, "Environment horizon")
	flags.Int64("env-seed", cfg.Env.Seed, "Environment random seed")
	flags.Float64("unfair-lambda", cfg.Env.UnfairLambda, "Unfairness penalty weight")
	flags.Float64("ar-rho", *cfg.Env.ARRho, "AR(1) capacity drift coefficient (negative disables)")
	flags.Bool("vary-per-step", cfg.Env.VaryPerStep, "Redraw capacities every step when drift is off")

	// Storage and events
	flags.String("checkpoint-dir", cfg.Checkpoint.Dir, "Checkpoint directory (empty keeps checkpoints in memory)")
	flags.String("sqlite-path", cfg.Checkpoint.SQLitePath, "SQLite database file for checkpoints")
	flags.String("postgres-dsn", cfg.Checkpoint.PostgresDSN, "Postgres DSN for checkpoints")
	flags.String("nats-url", cfg.NATS.URL, "NATS URL for training events (empty disables)")
	flags.String("nats-subject", cfg.NATS.Subject, "NATS subject prefix")

	// Output
	flags.Int("eval-episodes", cfg.EvalEpisodes, "Evaluation episodes after training (0 skips)")
	flags.String("plot-dir", cfg.PlotDir, "Directory for HTML charts (empty skips)")
	flags.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// Bind flags to nested config keys for environment variable support
	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("LEARNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return cfg.Validate()
}

func runLearner(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cmd.SilenceUsage = true

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "learner").Logger()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received, stopping training")
		cancel()
	}()

	e, err := env.NewAlloc(cfg.Env)
	if err != nil {
		return err
	}
	actDim, err := env.ActionDim(e)
	if err != nil {
		return err
	}
	cfg.PPO.ObsDim, cfg.PPO.ActDim = e.ObservationDim(), actDim

	store, closeStore, err := openStore(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var agent *ppo.Agent
	if resume {
		var start int
		agent, start, err = ppo.Resume(ctx, store, cfg.Trainer.RunID, cfg.PPO)
		if err != nil {
			return fmt.Errorf("failed to resume run %s: %w", cfg.Trainer.RunID, err)
		}
		if start == 0 {
			logger.Warn().Msg("No checkpoint to resume from, starting fresh")
		} else {
			logger.Info().Int("episode", start).Msg("Resumed from checkpoint")
		}
		if hidden := agent.Config().Hidden; hidden != cfg.PPO.Hidden {
			logger.Warn().
				Int("requested", cfg.PPO.Hidden).
				Int("checkpoint", hidden).
				Msg("Hidden width taken from checkpoint")
			cfg.PPO.Hidden = hidden
		}
		cfg.Trainer.StartEpisode = start
	} else {
		agent, err = ppo.New(cfg.PPO)
		if err != nil {
			return err
		}
	}

	var (
		publisher events.Publisher = events.NoopPublisher{}
		tunes     <-chan ppo.Tune
	)
	if cfg.NATS.URL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nats.Close()
		publisher = nats

		tunes, err = nats.SubscribeTunes(16)
		if err != nil {
			return fmt.Errorf("failed to subscribe to tune payloads: %w", err)
		}
	}

	tr, err := trainer.New(cfg.Trainer, e, agent, store, publisher, metrics.NewCollector(logger), logger)
	if err != nil {
		return err
	}
	if tunes != nil {
		if err := tr.SetTunes(tunes); err != nil {
			return err
		}
	}

	logger.Info().
		Str("run_id", cfg.Trainer.RunID).
		Int("obs_dim", cfg.PPO.ObsDim).
		Int("act_dim", cfg.PPO.ActDim).
		Int("hidden", cfg.PPO.Hidden).
		Int("params", agent.ParamCount()).
		Int("start_episode", cfg.Trainer.StartEpisode).
		Msg("Starting learner")

	history, runErr := tr.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("training failed: %w", runErr)
	}

	if cfg.PlotDir != "" {
		paths, err := plot.WriteFiles(cfg.PlotDir, history.EpisodeRewards, history.PolicyLosses, history.ValueLosses, history.Entropies)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to write plots")
		} else {
			logger.Info().Strs("files", paths).Msg("Wrote plots")
		}
	}

	if runErr != nil {
		logger.Info().Int("episodes", len(history.EpisodeRewards)).Msg("Training interrupted")
		return nil
	}

	if cfg.EvalEpisodes > 0 {
		if err := evaluate(ctx, agent.Policy(), actDim); err != nil {
			return err
		}
	}
	logger.Info().Msg("Learner stopped gracefully")
	return nil
}

// openStore picks the checkpoint backend: Postgres, SQLite, a directory,
// then memory.
func openStore(ctx context.Context, c config.CheckpointConfig, logger zerolog.Logger) (checkpoint.Store, func(), error) {
	switch {
	case c.PostgresDSN != "":
		db, err := sql.Open("postgres", c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		store := checkpoint.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
		}
		logger.Info().Msg("Using postgres checkpoint store")
		return store, func() { db.Close() }, nil
	case c.SQLitePath != "":
		store, err := checkpoint.OpenSQLite(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", c.SQLitePath).Msg("Using sqlite checkpoint store")
		return store, func() { store.Close() }, nil
	case c.Dir != "":
		logger.Info().Str("dir", c.Dir).Msg("Using file checkpoint store")
		return checkpoint.NewFileStore(c.Dir), func() {}, nil
	default:
		return checkpoint.NewMemoryStore(), func() {}, nil
	}
}

// evaluate rolls the learned policy and a uniform baseline out on
// identically seeded environments and prints the comparison.
func evaluate(ctx context.Context, learned policy.Policy, actDim int) error {
	baseline, err := policy.NewUniform(actDim, cfg.PPO.Seed)
	if err != nil {
		return err
	}
	scores := make([]float64, 2)
	for i, p := range []policy.Policy{learned, baseline} {
		evalEnv := cfg.Env
		evalEnv.Seed++
		e, err := env.NewAlloc(evalEnv)
		if err != nil {
			return err
		}
		scores[i], err = trainer.Evaluate(ctx, e, p, cfg.EvalEpisodes, cfg.Trainer.MaxStepsPerEpisode)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
	}

	fmt.Println(aurora.Bold(fmt.Sprintf("Evaluation over %d episodes", cfg.EvalEpisodes)))
	fmt.Printf("  %-8s %s\n", "learned", aurora.Green(fmt.Sprintf("%8.3f", scores[0])))
	fmt.Printf("  %-8s %s\n", "uniform", aurora.Blue(fmt.Sprintf("%8.3f", scores[1])))
	delta := scores[0] - scores[1]
	if delta >= 0 {
		fmt.Printf("  %-8s %s\n", "delta", aurora.Green(fmt.Sprintf("%+8.3f", delta)))
	} else {
		fmt.Printf("  %-8s %s\n", "delta", aurora.Red(fmt.Sprintf("%+8.3f", delta)))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
