// Package scheduler runs reconciliation cycles on a fixed interval and isolates their failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odetolakehinde/ipguard/pkg/common"
	"github.com/odetolakehinde/ipguard/pkg/engine"
	"github.com/odetolakehinde/ipguard/pkg/metrics"
)

// State is the phase the scheduler is in.
type State int32

// Scheduler states. There is no terminal state; Run only returns when its context ends.
const (
	Idle State = iota
	Resolving
	Listing
	Applying
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Listing:
		return "listing"
	case Applying:
		return "applying"
	case Sleeping:
		return "sleeping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Resolver returns the current public IPv4 address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Store reads and mutates the security group.
type Store interface {
	engine.Mutator
	LocateGroup(ctx context.Context, name string) (string, error)
	ListRules(ctx context.Context, groupID string) ([]common.ObservedRule, error)
}

// Options are the scheduler dependencies. Resolver, Store and GroupName are required.
type Options struct {
	Resolver  Resolver
	Store     Store
	Policy    common.Policy
	GroupName string
	Interval  time.Duration
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Scheduler owns the reconciliation loop.
type Scheduler struct {
	opts    Options
	log     zerolog.Logger
	groupID string
	state   atomic.Int32

	// transition is called on every state change when set.
	transition func(State)
}

// New creates a scheduler. The policy is copied and never changes afterwards.
func New(opts Options) *Scheduler {
	opts.Policy = append(common.Policy{}, opts.Policy...)

	return &Scheduler{
		opts: opts,
		log:  opts.Logger.With().Str(common.LogStrLayer, "scheduler").Str("group_name", opts.GroupName).Logger(),
	}
}

// State returns the current state. Safe to call from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// GroupID returns the cached security group ID, empty before Start.
func (s *Scheduler) GroupID() string {
	return s.groupID
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	if s.transition != nil {
		s.transition(st)
	}
}

// Start resolves the security group ID once. Without it no cycle can run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.groupID != "" {
		return nil
	}

	id, err := s.opts.Store.LocateGroup(ctx, s.opts.GroupName)
	if err != nil {
		return fmt.Errorf("locate security group %q: %w", s.opts.GroupName, err)
	}

	s.groupID = id
	s.log = s.log.With().Str("group_id", id).Logger()
	return nil
}

// Run locates the group, then reconciles every interval until ctx is done.
// It only returns an error when the group cannot be located.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.log.Info().Dur("interval", s.opts.Interval).Int("dimensions", len(s.opts.Policy)).Msg("ip monitor started")

	for {
		if _, _, err := s.RunCycle(ctx); err != nil {
			s.log.Err(err).Msg("reconciliation cycle failed")
		}

		if !s.sleep(ctx) {
			s.setState(Idle)
			s.log.Info().Msg("ip monitor stopped")
			return nil
		}
	}
}

// Plan resolves the current IP, lists the rules and computes the changes without applying them.
func (s *Scheduler) Plan(ctx context.Context) (common.Plan, error) {
	if s.groupID == "" {
		return common.Plan{}, errors.New("scheduler not started")
	}

	s.setState(Resolving)
	ip, err := s.opts.Resolver.Resolve(ctx)
	if err != nil {
		return common.Plan{}, fmt.Errorf("resolve public ip: %w", err)
	}
	s.opts.Metrics.ObserveIP(ip)
	s.log.Info().Str("ip", ip).Msg("verifying rules")

	s.setState(Listing)
	observed, err := s.opts.Store.ListRules(ctx, s.groupID)
	if err != nil {
		return common.Plan{}, fmt.Errorf("list rules: %w", err)
	}

	return engine.Reconcile(s.opts.Policy, observed, ip), nil
}

// Apply performs the mutations of plan, revocations first.
func (s *Scheduler) Apply(ctx context.Context, plan common.Plan) common.ApplyResult {
	s.setState(Applying)
	if plan.Empty() {
		s.log.Info().Str("ip", plan.IP).Msg("rules in sync")
		return common.ApplyResult{}
	}
	return engine.Apply(ctx, s.opts.Store, s.groupID, plan, s.log)
}

// RunCycle performs one full resolve, list, reconcile and apply pass.
func (s *Scheduler) RunCycle(ctx context.Context) (common.Plan, common.ApplyResult, error) {
	started := time.Now()

	plan, err := s.Plan(ctx)
	if err != nil {
		s.opts.Metrics.ObserveCycle(metrics.ResultFailure, time.Since(started), time.Now())
		return plan, common.ApplyResult{}, err
	}

	res := s.Apply(ctx, plan)
	s.opts.Metrics.ObserveApply(res)
	if err := res.Err(); err != nil {
		s.opts.Metrics.ObserveCycle(metrics.ResultPartial, time.Since(started), time.Now())
		return plan, res, fmt.Errorf("apply %d of %d changes failed: %w",
			len(res.Errors), len(plan.Revoke)+len(plan.Authorize), err)
	}

	s.opts.Metrics.ObserveCycle(metrics.ResultSuccess, time.Since(started), time.Now())
	return plan, res, nil
}

// sleep waits one interval, reporting false when ctx ended first.
func (s *Scheduler) sleep(ctx context.Context) bool {
	s.setState(Sleeping)
	if ctx.Err() != nil {
		return false
	}
	s.log.Debug().Time("next_run", time.Now().Add(s.opts.Interval)).Msg("sleeping")

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
