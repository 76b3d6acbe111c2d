// Package engine computes and applies the changes that bring a security group in line with the desired policy.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

// Mutator applies single rule changes to a security group.
type Mutator interface {
	Revoke(ctx context.Context, groupID string, rule common.ObservedRule) error
	Authorize(ctx context.Context, groupID string, dim common.PortProtocol, cidr string) error
}

// Reconcile computes which observed rules to revoke and which dimensions to authorize
// so that every desired dimension is reachable from currentIP, and only from currentIP
// among single-host ranges. It performs no I/O.
//
// Rules outside the desired dimensions, wildcard rules and non single-host ranges are
// left alone. Revocations keep observed order, authorizations keep policy order.
func Reconcile(desired common.Policy, observed []common.ObservedRule, currentIP string) common.Plan {
	current := common.HostCIDR(currentIP)
	plan := common.Plan{
		IP:        currentIP,
		Revoke:    make([]common.ObservedRule, 0),
		Authorize: make([]common.PortProtocol, 0),
	}

	present := make(map[common.PortProtocol]bool)
	for _, r := range observed {
		dim := r.Dimension()
		if !desired.Contains(dim) {
			continue
		}

		switch {
		case r.CIDR == current:
			present[dim] = true
		case r.CIDR == common.WildcardCIDR, !common.IsHostCIDR(r.CIDR):
			// operator override or a deliberate network range
		default:
			plan.Revoke = append(plan.Revoke, r)
		}
	}

	for _, dim := range desired {
		if !present[dim] {
			plan.Authorize = append(plan.Authorize, dim)
		}
	}

	return plan
}

// Apply revokes every stale rule of the plan, then authorizes every missing dimension.
// Each mutation is attempted independently; failures are collected in the result.
func Apply(ctx context.Context, m Mutator, groupID string, plan common.Plan, logger zerolog.Logger) common.ApplyResult {
	log := logger.With().Str(common.LogStrLayer, "engine").Str(common.LogStrMethod, "Apply").Str("group_id", groupID).Logger()

	var result common.ApplyResult
	current := common.HostCIDR(plan.IP)

	for _, rule := range plan.Revoke {
		if err := m.Revoke(ctx, groupID, rule); err != nil {
			log.Err(err).Str("op", "revoke").Uint16("port", rule.Port).Str("protocol", string(rule.Protocol)).Str("cidr", rule.CIDR).Msg("revoke failed")
			result.Errors = append(result.Errors, &common.MutationError{Op: "revoke", Rule: rule, Err: err})
			continue
		}
		log.Info().Str("op", "revoke").Uint16("port", rule.Port).Str("protocol", string(rule.Protocol)).Str("cidr", rule.CIDR).Msg("revoked stale rule")
		result.Revoked = append(result.Revoked, rule)
	}

	for _, dim := range plan.Authorize {
		if err := m.Authorize(ctx, groupID, dim, current); err != nil {
			log.Err(err).Str("op", "authorize").Uint16("port", dim.Port).Str("protocol", string(dim.Protocol)).Str("cidr", current).Msg("authorize failed")
			result.Errors = append(result.Errors, &common.MutationError{
				Op:   "authorize",
				Rule: common.ObservedRule{Port: dim.Port, Protocol: dim.Protocol, CIDR: current},
				Err:  err,
			})
			continue
		}
		log.Info().Str("op", "authorize").Uint16("port", dim.Port).Str("protocol", string(dim.Protocol)).Str("cidr", current).Msg("authorized rule")
		result.Authorized = append(result.Authorized, dim)
	}

	return result
}

// PrintPlanReport writes a plan to w in either human-readable or JSON format,
// depending on the asJSON flag.
func PrintPlanReport(w io.Writer, groupID string, plan common.Plan, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			GroupID string `json:"group_id"`
			common.Plan
		}{groupID, plan}); err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		return nil
	}

	header := fmt.Sprintf("Plan for %s from %s", groupID, plan.IP)
	var b strings.Builder
	b.WriteString(strings.Repeat("=", len(header)) + "\n")
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("=", len(header)) + "\n")

	if plan.Empty() {
		b.WriteString("✅ In sync, nothing to change.\n")
	} else {
		for _, r := range plan.Revoke {
			fmt.Fprintf(&b, "[-] revoke    %s\n", r)
		}
		for _, d := range plan.Authorize {
			fmt.Fprintf(&b, "[+] authorize %s from %s\n", d, common.HostCIDR(plan.IP))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
