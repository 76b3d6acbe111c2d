package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

var (
	tcp22  = common.PortProtocol{Port: 22, Protocol: common.ProtocolTCP}
	tcp53  = common.PortProtocol{Port: 53, Protocol: common.ProtocolTCP}
	udp53  = common.PortProtocol{Port: 53, Protocol: common.ProtocolUDP}
	tcp80  = common.PortProtocol{Port: 80, Protocol: common.ProtocolTCP}
	tcp443 = common.PortProtocol{Port: 443, Protocol: common.ProtocolTCP}
)

func rule(dim common.PortProtocol, cidr string) common.ObservedRule {
	return common.ObservedRule{Port: dim.Port, Protocol: dim.Protocol, CIDR: cidr}
}

// fakeGroup is an in-memory security group that records the order of mutations.
type fakeGroup struct {
	rules []common.ObservedRule
	calls []string
	fail  map[string]error
}

func (f *fakeGroup) Revoke(_ context.Context, _ string, r common.ObservedRule) error {
	f.calls = append(f.calls, "revoke "+r.String())
	if err := f.fail["revoke "+r.String()]; err != nil {
		return err
	}
	for i, existing := range f.rules {
		if existing == r {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeGroup) Authorize(_ context.Context, _ string, dim common.PortProtocol, cidr string) error {
	r := rule(dim, cidr)
	f.calls = append(f.calls, "authorize "+r.String())
	if err := f.fail["authorize "+r.String()]; err != nil {
		return err
	}
	for _, existing := range f.rules {
		if existing == r {
			return nil
		}
	}
	f.rules = append(f.rules, r)
	return nil
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name          string
		desired       common.Policy
		observed      []common.ObservedRule
		ip            string
		wantRevoke    []common.ObservedRule
		wantAuthorize []common.PortProtocol
	}{
		{
			name:    "convergence",
			desired: common.Policy{tcp22, tcp53, udp53},
			observed: []common.ObservedRule{
				rule(tcp22, "1.2.3.4/32"),
				rule(tcp53, common.WildcardCIDR),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{rule(tcp22, "1.2.3.4/32")},
			wantAuthorize: []common.PortProtocol{tcp22, tcp53, udp53},
		},
		{
			name:          "first run",
			desired:       common.DefaultPolicy,
			observed:      nil,
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{},
			wantAuthorize: common.DefaultPolicy,
		},
		{
			name:    "stable",
			desired: common.Policy{tcp22, tcp53, udp53},
			observed: []common.ObservedRule{
				rule(tcp22, "5.6.7.8/32"),
				rule(tcp53, "5.6.7.8/32"),
				rule(udp53, "5.6.7.8/32"),
				rule(tcp53, common.WildcardCIDR),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{},
			wantAuthorize: []common.PortProtocol{},
		},
		{
			name:    "empty policy is a no-op",
			desired: common.Policy{},
			observed: []common.ObservedRule{
				rule(tcp22, "1.2.3.4/32"),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{},
			wantAuthorize: []common.PortProtocol{},
		},
		{
			name:    "same port different protocols are independent",
			desired: common.Policy{tcp53, udp53},
			observed: []common.ObservedRule{
				rule(tcp53, "5.6.7.8/32"),
				rule(udp53, "1.2.3.4/32"),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{rule(udp53, "1.2.3.4/32")},
			wantAuthorize: []common.PortProtocol{udp53},
		},
		{
			name:    "network ranges are preserved",
			desired: common.Policy{tcp22},
			observed: []common.ObservedRule{
				rule(tcp22, "10.0.0.0/8"),
				rule(tcp22, "9.9.9.9/32"),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{rule(tcp22, "9.9.9.9/32")},
			wantAuthorize: []common.PortProtocol{tcp22},
		},
		{
			name:    "multiple stale addresses on one dimension",
			desired: common.Policy{tcp22},
			observed: []common.ObservedRule{
				rule(tcp22, "1.1.1.1/32"),
				rule(tcp22, "5.6.7.8/32"),
				rule(tcp22, "2.2.2.2/32"),
			},
			ip:            "5.6.7.8",
			wantRevoke:    []common.ObservedRule{rule(tcp22, "1.1.1.1/32"), rule(tcp22, "2.2.2.2/32")},
			wantAuthorize: []common.PortProtocol{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Reconcile(tt.desired, tt.observed, tt.ip)

			assert.Equal(t, tt.ip, plan.IP)
			assert.Equal(t, tt.wantRevoke, plan.Revoke)
			assert.Equal(t, tt.wantAuthorize, plan.Authorize)
		})
	}
}

func TestReconcile_WildcardNeverRevoked(t *testing.T) {
	policies := []common.Policy{
		{},
		{tcp22},
		{tcp22, tcp53, udp53, tcp80, tcp443},
	}
	observed := []common.ObservedRule{
		rule(tcp22, common.WildcardCIDR),
		rule(tcp53, common.WildcardCIDR),
		rule(udp53, common.WildcardCIDR),
		rule(tcp443, common.WildcardCIDR),
		rule(tcp22, "1.2.3.4/32"),
	}

	for _, desired := range policies {
		plan := Reconcile(desired, observed, "5.6.7.8")
		for _, r := range plan.Revoke {
			assert.NotEqual(t, common.WildcardCIDR, r.CIDR, "policy %v", desired)
		}
	}
}

func TestReconcile_NonInterference(t *testing.T) {
	desired := common.Policy{tcp22, udp53}
	observed := []common.ObservedRule{
		rule(tcp80, "1.2.3.4/32"),
		rule(tcp443, "1.2.3.4/32"),
		rule(tcp53, "1.2.3.4/32"),
		rule(tcp22, "1.2.3.4/32"),
	}

	plan := Reconcile(desired, observed, "5.6.7.8")

	for _, r := range plan.Revoke {
		assert.True(t, desired.Contains(r.Dimension()), "revoked %s outside the policy", r)
	}
	assert.Equal(t, []common.ObservedRule{rule(tcp22, "1.2.3.4/32")}, plan.Revoke)
}

func TestReconcile_NeverRevokesCurrentIP(t *testing.T) {
	plan := Reconcile(common.Policy{tcp22}, []common.ObservedRule{rule(tcp22, "5.6.7.8/32")}, "5.6.7.8")
	assert.Empty(t, plan.Revoke)
}

func TestReconcile_Idempotent(t *testing.T) {
	desired := common.DefaultPolicy
	group := &fakeGroup{rules: []common.ObservedRule{
		rule(tcp22, "1.2.3.4/32"),
		rule(tcp53, common.WildcardCIDR),
		rule(tcp443, "1.2.3.4/32"),
	}}

	first := Reconcile(desired, group.rules, "5.6.7.8")
	require.False(t, first.Empty())

	res := Apply(context.Background(), group, "sg-1", first, zerolog.Nop())
	require.NoError(t, res.Err())

	second := Reconcile(desired, group.rules, "5.6.7.8")
	assert.Empty(t, second.Revoke)
	assert.Empty(t, second.Authorize)
	assert.True(t, second.Empty())

	// convergence: exactly one current-IP rule per dimension, nothing stale
	for _, dim := range desired {
		count := 0
		for _, r := range group.rules {
			if r.Dimension() != dim {
				continue
			}
			if r.CIDR == "5.6.7.8/32" {
				count++
			} else {
				assert.Equal(t, common.WildcardCIDR, r.CIDR)
			}
		}
		assert.Equal(t, 1, count, "dimension %s", dim)
	}
	assert.Contains(t, group.rules, rule(tcp443, "1.2.3.4/32"))
	assert.Contains(t, group.rules, rule(tcp53, common.WildcardCIDR))
}

func TestApply_RevokesBeforeAuthorizes(t *testing.T) {
	group := &fakeGroup{rules: []common.ObservedRule{
		rule(tcp22, "1.2.3.4/32"),
		rule(udp53, "1.2.3.4/32"),
	}}
	plan := Reconcile(common.Policy{tcp22, udp53}, group.rules, "5.6.7.8")

	res := Apply(context.Background(), group, "sg-1", plan, zerolog.Nop())
	require.NoError(t, res.Err())

	assert.Equal(t, []string{
		"revoke 22/tcp from 1.2.3.4/32",
		"revoke 53/udp from 1.2.3.4/32",
		"authorize 22/tcp from 5.6.7.8/32",
		"authorize 53/udp from 5.6.7.8/32",
	}, group.calls)
	assert.Len(t, res.Revoked, 2)
	assert.Len(t, res.Authorized, 2)
}

func TestApply_WildcardFallbackSurvivesEveryStep(t *testing.T) {
	group := &fakeGroup{rules: []common.ObservedRule{
		rule(tcp53, common.WildcardCIDR),
		rule(tcp53, "1.2.3.4/32"),
	}}
	plan := Reconcile(common.Policy{tcp53}, group.rules, "5.6.7.8")

	stepper := &stepCheck{fakeGroup: group, check: func() {
		assert.Contains(t, group.rules, rule(tcp53, common.WildcardCIDR))
		stale, fresh := false, false
		for _, r := range group.rules {
			stale = stale || r.CIDR == "1.2.3.4/32"
			fresh = fresh || r.CIDR == "5.6.7.8/32"
		}
		assert.False(t, stale && fresh, "stale and current host rules coexist")
	}}

	res := Apply(context.Background(), stepper, "sg-1", plan, zerolog.Nop())
	require.NoError(t, res.Err())
}

// stepCheck runs check after every mutation.
type stepCheck struct {
	*fakeGroup
	check func()
}

func (s *stepCheck) Revoke(ctx context.Context, groupID string, r common.ObservedRule) error {
	defer s.check()
	return s.fakeGroup.Revoke(ctx, groupID, r)
}

func (s *stepCheck) Authorize(ctx context.Context, groupID string, dim common.PortProtocol, cidr string) error {
	defer s.check()
	return s.fakeGroup.Authorize(ctx, groupID, dim, cidr)
}

func TestApply_FailuresAreIsolated(t *testing.T) {
	revokeErr := fmt.Errorf("%w: throttled", common.ErrRemote)
	authErr := errors.New("access denied")
	group := &fakeGroup{
		rules: []common.ObservedRule{
			rule(tcp22, "1.2.3.4/32"),
			rule(tcp80, "1.2.3.4/32"),
		},
		fail: map[string]error{
			"revoke 22/tcp from 1.2.3.4/32":    revokeErr,
			"authorize 80/tcp from 5.6.7.8/32": authErr,
		},
	}
	plan := Reconcile(common.Policy{tcp22, tcp80}, group.rules, "5.6.7.8")

	res := Apply(context.Background(), group, "sg-1", plan, zerolog.Nop())

	assert.Len(t, group.calls, 4, "every mutation is attempted")
	assert.Equal(t, []common.ObservedRule{rule(tcp80, "1.2.3.4/32")}, res.Revoked)
	assert.Equal(t, []common.PortProtocol{tcp22}, res.Authorized)
	require.Len(t, res.Errors, 2)

	err := res.Err()
	assert.ErrorIs(t, err, common.ErrRemote)
	assert.ErrorIs(t, err, authErr)

	var mErr *common.MutationError
	require.ErrorAs(t, res.Errors[0], &mErr)
	assert.Equal(t, "revoke", mErr.Op)
	assert.Equal(t, rule(tcp22, "1.2.3.4/32"), mErr.Rule)

	require.ErrorAs(t, res.Errors[1], &mErr)
	assert.Equal(t, "authorize", mErr.Op)
	assert.Equal(t, rule(tcp80, "5.6.7.8/32"), mErr.Rule)
}

func TestApply_EmptyPlan(t *testing.T) {
	group := &fakeGroup{}
	res := Apply(context.Background(), group, "sg-1", common.Plan{IP: "5.6.7.8"}, zerolog.Nop())

	assert.NoError(t, res.Err())
	assert.Empty(t, group.calls)
}

func TestPrintPlanReport_JSON(t *testing.T) {
	plan := common.Plan{
		IP:        "5.6.7.8",
		Revoke:    []common.ObservedRule{rule(tcp22, "1.2.3.4/32")},
		Authorize: []common.PortProtocol{tcp22},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintPlanReport(&buf, "sg-1", plan, true))

	var parsed struct {
		GroupID string `json:"group_id"`
		common.Plan
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "sg-1", parsed.GroupID)
	assert.Equal(t, plan, parsed.Plan)
}

func TestPrintPlanReport_Human_InSync(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintPlanReport(&buf, "sg-1", common.Plan{IP: "5.6.7.8"}, false))

	output := buf.String()
	assert.Contains(t, output, "Plan for sg-1 from 5.6.7.8")
	assert.Contains(t, output, "✅ In sync")
}

func TestPrintPlanReport_Human_WithChanges(t *testing.T) {
	plan := common.Plan{
		IP:        "5.6.7.8",
		Revoke:    []common.ObservedRule{rule(tcp22, "1.2.3.4/32")},
		Authorize: []common.PortProtocol{udp53},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintPlanReport(&buf, "sg-1", plan, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "[-] revoke    22/tcp from 1.2.3.4/32", lines[3])
	assert.Equal(t, "[+] authorize 53/udp from 5.6.7.8/32", lines[4])
}
