package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kanloop/internal/agent"
	"kanloop/internal/budget"
	"kanloop/internal/config"
	"kanloop/internal/engine"
	"kanloop/internal/events"
	"kanloop/internal/feature"
	"kanloop/internal/transcript"
	"kanloop/internal/update"
	"kanloop/internal/worktree"
)

var version = "dev"

// app is the composition root shared by all commands.
type app struct {
	projectPath string
	cfg         config.Config
	features    *feature.Store
	transcripts *transcript.Store
	emitter     *events.Emitter
	engine      *engine.Engine
	claude      *agent.ClaudeAgent
	log         *slog.Logger
}

// requireAgent fails fast when the claude CLI is not installed. Commands that
// never invoke the agent skip this.
func (a *app) requireAgent() error {
	if !a.claude.Available() {
		return fmt.Errorf("%s CLI not found in PATH", a.claude.Name())
	}
	return nil
}

func newApp(projectPath string, verbose bool) (*app, error) {
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		projectPath = wd
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, err
	}

	features := feature.NewStore()
	transcripts := transcript.NewStore()
	emitter := events.NewEmitter(logger)

	claude := agent.NewClaudeAgent()

	return &app{
		projectPath: projectPath,
		cfg:         cfg,
		features:    features,
		transcripts: transcripts,
		emitter:     emitter,
		engine:      engine.New(features, transcripts, claude, emitter, cfg, logger),
		claude:      claude,
		log:         logger,
	}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. Running
// agents observe the cancellation and stop cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var (
	flagProject     string
	flagVerbose     bool
	flagJSONL       bool
	flagNoWorktrees bool
)

var rootCmd = &cobra.Command{
	Use:   "kanloop",
	Short: "Autonomous feature implementation orchestrator",
	Long: `Kanloop drives an AI coding agent through the feature lifecycle:
implement, review, verify and commit. Features live in a per-project
backlog under .kanloop/ and each run is isolated in its own git worktree.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [feature-id]",
	Short: "Run the agent on a feature, or the whole backlog with --auto",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auto, _ := cmd.Flags().GetBool("auto")
		if len(args) == 0 && !auto {
			return fmt.Errorf("either provide a feature-id or use --auto")
		}

		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		if err := a.requireAgent(); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		if notice := update.CheckPeriodically(version); notice != "" {
			fmt.Fprintln(os.Stderr, notice)
		}

		printer := NewPrinter(os.Stdout, flagJSONL)
		wait, err := printer.Follow(ctx, a.emitter)
		if err != nil {
			return err
		}
		// Cancel first so the subscriber channel closes before draining.
		defer func() {
			cancel()
			wait()
		}()

		useWorktrees := a.cfg.WorktreesEnabled() && !flagNoWorktrees

		if auto {
			maxRuns, _ := cmd.Flags().GetInt("max-runs")
			maxCost, _ := cmd.Flags().GetFloat64("max-cost")
			if maxRuns == 0 {
				maxRuns = a.cfg.Loop.MaxRuns
			}
			if maxCost == 0 {
				maxCost = a.cfg.Loop.MaxCost
			}

			tracker := budget.NewTracker(budget.Limits{MaxRuns: maxRuns, MaxCost: maxCost})
			a.engine.OnResult = func(featureID string, m agent.Metrics) {
				tracker.Add(m.TokensIn, m.TokensOut, m.CostUSD)
			}

			loop := engine.NewLoop(a.engine, tracker, a.projectPath, useWorktrees, a.cfg.MaxRetries, a.log)
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}

		err = a.engine.ExecuteFeature(ctx, a.projectPath, args[0], useWorktrees, false)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <feature-id>",
	Short: "Resume an interrupted feature run with its saved transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		ctx, cancel := signalContext()
		defer cancel()

		printer := NewPrinter(os.Stdout, flagJSONL)
		wait, err := printer.Follow(ctx, a.emitter)
		if err != nil {
			return err
		}
		// Cancel first so the subscriber channel closes before draining.
		defer func() {
			cancel()
			wait()
		}()

		if err := a.requireAgent(); err != nil {
			return err
		}

		useWorktrees := a.cfg.WorktreesEnabled() && !flagNoWorktrees
		err = a.engine.ResumeFeature(ctx, a.projectPath, args[0], useWorktrees)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var followUpCmd = &cobra.Command{
	Use:   "follow-up <feature-id>",
	Short: "Send follow-up instructions to a completed feature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		images, _ := cmd.Flags().GetStringSlice("image")
		if message == "" {
			return fmt.Errorf("a follow-up message is required (-m)")
		}

		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		ctx, cancel := signalContext()
		defer cancel()

		printer := NewPrinter(os.Stdout, flagJSONL)
		wait, err := printer.Follow(ctx, a.emitter)
		if err != nil {
			return err
		}
		// Cancel first so the subscriber channel closes before draining.
		defer func() {
			cancel()
			wait()
		}()

		if err := a.requireAgent(); err != nil {
			return err
		}

		useWorktrees := a.cfg.WorktreesEnabled() && !flagNoWorktrees
		err = a.engine.FollowUpFeature(ctx, a.projectPath, args[0], message, images, useWorktrees)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <feature-id>",
	Short: "Run verification steps and mark the feature verified on success",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		ctx, cancel := signalContext()
		defer cancel()

		res, err := a.engine.VerifyFeature(ctx, a.projectPath, args[0])
		if err != nil {
			return err
		}
		if !res.Passed {
			fmt.Println(failStyle.Render("✗ " + res.Message))
			if res.Output != "" {
				fmt.Println(res.Output)
			}
			os.Exit(1)
		}
		fmt.Println(passStyle.Render("✓ " + res.Message))
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <feature-id>",
	Short: "Commit the feature's working tree changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worktreePath, _ := cmd.Flags().GetString("worktree")

		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		ctx, cancel := signalContext()
		defer cancel()

		hash, err := a.engine.CommitFeature(ctx, a.projectPath, args[0], worktreePath)
		if err != nil {
			return err
		}
		if hash == "" {
			fmt.Println(dimStyle.Render("Nothing to commit"))
			return nil
		}
		fmt.Println(passStyle.Render("✓ Committed " + hash[:7]))
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the project and save a report to .kanloop/analysis.md",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		ctx, cancel := signalContext()
		defer cancel()

		printer := NewPrinter(os.Stdout, flagJSONL)
		wait, err := printer.Follow(ctx, a.emitter)
		if err != nil {
			return err
		}
		// Cancel first so the subscriber channel closes before draining.
		defer func() {
			cancel()
			wait()
		}()

		if err := a.requireAgent(); err != nil {
			return err
		}

		if _, err := a.engine.AnalyzeProject(ctx, a.projectPath); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(passStyle.Render("✓ Analysis saved to " + a.features.AnalysisPath(a.projectPath)))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the feature board and any running agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		all, err := a.features.List(a.projectPath)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println(dimStyle.Render("No features. Add one with: kanloop feature add"))
			return nil
		}

		fmt.Println(headingStyle.Render("Features"))
		now := time.Now()
		for _, f := range all {
			style, ok := statusStyles[string(f.Status)]
			if !ok {
				style = dimStyle
			}
			marker := ""
			if f.JustFinished(now) {
				marker = " ●"
			}
			errNote := ""
			if f.Error != "" {
				errNote = "  " + failStyle.Render(f.Error)
			}
			fmt.Printf("%s  %s  %s%s%s\n",
				f.ID, style.Render(string(f.Status)), f.Title(), marker, errNote)
		}

		running := a.engine.RunningAgents()
		if len(running) > 0 {
			fmt.Println()
			fmt.Println(headingStyle.Render("Running"))
			for _, r := range running {
				dir := r.WorktreePath
				if dir == "" {
					dir = r.ProjectPath
				}
				fmt.Printf("%s  %s  since %s\n", r.FeatureID, dir, r.StartedAt.Format(time.Kitchen))
			}
		}
		return nil
	},
}

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Manage the feature backlog",
}

var featureAddCmd = &cobra.Command{
	Use:   "add <description>",
	Short: "Add a feature to the backlog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, _ := cmd.Flags().GetString("spec")
		branch, _ := cmd.Flags().GetString("branch")
		model, _ := cmd.Flags().GetString("model")
		skipTests, _ := cmd.Flags().GetBool("skip-tests")

		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		f, err := a.features.Create(a.projectPath, strings.Join(args, " "), spec)
		if err != nil {
			return err
		}
		if branch == "" {
			branch = "feature/" + f.ID
		}
		f.BranchName = branch
		f.Model = model
		f.SkipTests = skipTests
		if err := a.features.Save(a.projectPath, f); err != nil {
			return err
		}
		fmt.Println(passStyle.Render("✓ Added " + f.ID))
		return nil
	},
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog features",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		all, err := a.features.List(a.projectPath)
		if err != nil {
			return err
		}
		for _, f := range all {
			fmt.Printf("%s  %-17s %s\n", f.ID, f.Status, f.Title())
		}
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <feature-id>",
	Short: "Merge a verified feature's branch and remove its worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flagProject, flagVerbose)
		if err != nil {
			return err
		}
		defer a.emitter.Close()

		f, err := a.features.Load(a.projectPath, args[0])
		if err != nil {
			return err
		}
		if f.BranchName == "" {
			return fmt.Errorf("feature %s has no branch", f.ID)
		}

		mgr, err := worktree.NewManager(a.projectPath)
		if err != nil {
			return err
		}
		if err := mgr.MergeAndRemove(f.BranchName); err != nil {
			return err
		}
		fmt.Println(passStyle.Render("✓ Merged " + f.BranchName))
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade kanloop to the latest version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Current version: %s\n", version)
		release, hasUpdate, err := update.CheckForUpdate(version)
		if err != nil {
			return err
		}
		if !hasUpdate {
			fmt.Println("Already up to date")
			return nil
		}
		fmt.Printf("Updating to %s...\n", release.Version)
		if err := update.Update(version); err != nil {
			return err
		}
		fmt.Println(passStyle.Render("✓ Updated to " + release.Version))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "Project path (defaults to current directory)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONL, "jsonl", false, "Emit events as JSON Lines")
	rootCmd.PersistentFlags().BoolVar(&flagNoWorktrees, "no-worktrees", false, "Run in the project root instead of a worktree")

	runCmd.Flags().Bool("auto", false, "Run the whole backlog unattended")
	runCmd.Flags().Int("max-runs", 0, "Maximum agent runs in auto mode (0 = config/unlimited)")
	runCmd.Flags().Float64("max-cost", 0, "Maximum cost in dollars in auto mode (0 = config/unlimited)")

	followUpCmd.Flags().StringP("message", "m", "", "Follow-up instructions")
	followUpCmd.Flags().StringSlice("image", nil, "Image attachment path (repeatable)")

	commitCmd.Flags().String("worktree", "", "Explicit worktree path to commit in")

	featureAddCmd.Flags().String("spec", "", "Detailed specification text")
	featureAddCmd.Flags().String("branch", "", "Branch name (defaults to feature/<id>)")
	featureAddCmd.Flags().String("model", "", "Model override for this feature")
	featureAddCmd.Flags().Bool("skip-tests", false, "Skip the test step during verification")

	featureCmd.AddCommand(featureAddCmd, featureListCmd)
	rootCmd.AddCommand(runCmd, resumeCmd, followUpCmd, verifyCmd, commitCmd,
		analyzeCmd, statusCmd, featureCmd, mergeCmd, upgradeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
