// Package cmd contains the CLI entry point and command-line interface logic for the application.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/odetolakehinde/ipguard/pkg/aws"
	"github.com/odetolakehinde/ipguard/pkg/common"
	"github.com/odetolakehinde/ipguard/pkg/config"
	"github.com/odetolakehinde/ipguard/pkg/engine"
	"github.com/odetolakehinde/ipguard/pkg/metrics"
	"github.com/odetolakehinde/ipguard/pkg/publicip"
	"github.com/odetolakehinde/ipguard/pkg/scheduler"
)

// Run initializes and executes the command-line interface for the application.
//
// Without a subcommand it keeps the security group in sync forever. It exits non-zero
// when the configuration is invalid or the security group cannot be located.
func Run() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ipguard",
		Usage: "Keep a security group's ingress rules pinned to your current public IP",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Reconcile on a fixed interval until interrupted",
				Action: runLoop,
			},
			{
				Name:  "once",
				Usage: "Run a single reconciliation cycle and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "confirm", Usage: "Ask before changing any rule"},
				},
				Action: runOnce,
			},
			{
				Name:  "plan",
				Usage: "Show what a cycle would change without changing it",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Output the plan as JSON"},
				},
				Action: runPlan,
			},
		},
		Action: runLoop,
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "group", Usage: "Security group name (SECURITY_GROUP_NAME)"},
		&cli.StringFlag{Name: "policy", Usage: "Desired policy, e.g. 22:tcp,53:tcp/udp (DESIRED_POLICY)"},
		&cli.StringFlag{Name: "policy-file", Usage: "Path to a TOML policy file (POLICY_FILE)"},
		&cli.IntFlag{Name: "interval", Usage: "Seconds between cycles (RECONCILE_INTERVAL_SECONDS)"},
		&cli.StringFlag{Name: "region", Usage: "AWS region (AWS_REGION)"},
		&cli.StringFlag{Name: "vpc-id", Usage: "Only match groups in this VPC (VPC_ID)"},
		&cli.StringFlag{Name: "ip-source", Usage: "Public IP lookup: http or dns (IP_SOURCE)"},
	}
}

// loadConfig reads the environment, then lets explicitly set flags override it.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	if c.IsSet("group") {
		cfg.SecurityGroupName = c.String("group")
	}
	if c.IsSet("policy") {
		cfg.DesiredPolicy = c.String("policy")
	}
	if c.IsSet("policy-file") {
		cfg.PolicyFile = c.String("policy-file")
	}
	if c.IsSet("interval") {
		cfg.ReconcileIntervalSeconds = c.Int("interval")
	}
	if c.IsSet("region") {
		cfg.Region = c.String("region")
	}
	if c.IsSet("vpc-id") {
		cfg.VpcID = c.String("vpc-id")
	}
	if c.IsSet("ip-source") {
		cfg.IPSource = c.String("ip-source")
	}

	return cfg, cfg.Validate()
}

// newLogger builds the root logger from the configured level and format.
func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("app", "ipguard").Logger()
}

// shutdownSignals cancel the command context so in-flight EC2 calls stop cleanly.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// withShutdown derives a context that ends on SIGINT or SIGTERM.
func withShutdown(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, shutdownSignals...)
}

type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	sched    *scheduler.Scheduler
}

// setup wires configuration, logging, AWS, the IP resolver and metrics into a scheduler.
func setup(ctx context.Context, c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, os.Stderr)

	desired, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	store, err := aws.NewRuleStore(ctx, logger, aws.Options{
		Region:          cfg.Region,
		VpcID:           cfg.VpcID,
		RuleDescription: cfg.RuleDescription,
		CallTimeout:     cfg.CallTimeout(),
	})
	if err != nil {
		return nil, err
	}

	resolver := publicip.New(publicip.Options{
		Source:    cfg.IPSource,
		URL:       cfg.IPLookupURL,
		DNSServer: cfg.IPLookupDNSServer,
		DNSName:   cfg.IPLookupDNSName,
		Timeout:   cfg.CallTimeout(),
	}, logger)

	registry := prometheus.NewRegistry()

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		sched: scheduler.New(scheduler.Options{
			Resolver:  resolver,
			Store:     store,
			Policy:    desired,
			GroupName: cfg.SecurityGroupName,
			Interval:  cfg.Interval(),
			Metrics:   metrics.New(registry),
			Logger:    logger,
		}),
	}, nil
}

func runLoop(c *cli.Context) error {
	ctx, stop := withShutdown(c)
	defer stop()

	a, err := setup(ctx, c)
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.MetricsAddr, a.registry, a.logger); err != nil {
				a.logger.Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	return a.sched.Run(ctx)
}

func runOnce(c *cli.Context) error {
	ctx, stop := withShutdown(c)
	defer stop()

	a, err := setup(ctx, c)
	if err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	if !c.Bool("confirm") {
		_, _, err := a.sched.RunCycle(ctx)
		return err
	}

	plan, err := a.sched.Plan(ctx)
	if err != nil {
		return err
	}
	if err := engine.PrintPlanReport(os.Stdout, a.sched.GroupID(), plan, false); err != nil {
		return err
	}
	if plan.Empty() {
		return nil
	}

	ok, err := promptConfirm("Apply these changes")
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Info().Msg("changes declined")
		return nil
	}

	return a.sched.Apply(ctx, plan).Err()
}

func runPlan(c *cli.Context) error {
	ctx, stop := withShutdown(c)
	defer stop()

	a, err := setup(ctx, c)
	if err != nil {
		return err
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	plan, err := a.sched.Plan(ctx)
	if err != nil {
		return err
	}

	return engine.PrintPlanReport(os.Stdout, a.sched.GroupID(), plan, c.Bool("json"))
}

// promptConfirm shows an interactive yes/no prompt on the CLI
func promptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	if errors.Is(err, promptui.ErrAbort) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", common.ErrPromptFailed, err)
	}
	return true, nil
}
