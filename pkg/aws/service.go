package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

// RuleStore is the facade over the security group API. It owns no data, only transport.
type RuleStore interface {
	LocateGroup(ctx context.Context, name string) (string, error)
	ListRules(ctx context.Context, groupID string) ([]common.ObservedRule, error)
	Revoke(ctx context.Context, groupID string, rule common.ObservedRule) error
	Authorize(ctx context.Context, groupID string, dim common.PortProtocol, cidr string) error
}

// Options tunes the rule store.
type Options struct {
	// Region overrides the region resolved from the shared AWS config.
	Region string
	// VpcID narrows the group name lookup to one VPC.
	VpcID string
	// RuleDescription is attached to every authorized ip range.
	RuleDescription string
	// CallTimeout bounds every EC2 API call. Zero disables the bound.
	CallTimeout time.Duration
}

type ruleStore struct {
	client EC2Client
	logger zerolog.Logger
	opts   Options
}

// NewRuleStore creates a new RuleStore facade using a configured AWS client.
func NewRuleStore(ctx context.Context, logger zerolog.Logger, opts Options) (RuleStore, error) {
	log := logger.With().Str(common.LogStrLayer, "aws").Logger()

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.Err(err).Msg("unable to load AWS config")
		return nil, common.ErrConfigLoadFailure
	}

	return NewRuleStoreFromClient(ec2.NewFromConfig(cfg), logger, opts), nil
}

// NewRuleStoreFromClient wraps an already configured EC2 client.
func NewRuleStoreFromClient(client EC2Client, logger zerolog.Logger, opts Options) RuleStore {
	return &ruleStore{
		client: client,
		logger: logger.With().Str(common.LogStrLayer, "aws").Logger(),
		opts:   opts,
	}
}

func (s *ruleStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

// LocateGroup resolves a security group name to its ID.
func (s *ruleStore) LocateGroup(ctx context.Context, name string) (string, error) {
	log := s.logger.With().Str(common.LogStrMethod, "LocateGroup").Str("group_name", name).Logger()

	filters := []ec2Types.Filter{{Name: common.GetStringPointer("group-name"), Values: []string{name}}}
	if s.opts.VpcID != "" {
		filters = append(filters, ec2Types.Filter{Name: common.GetStringPointer("vpc-id"), Values: []string{s.opts.VpcID}})
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	output, err := s.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		log.Err(err).Msg("describe security groups failed")
		return "", fmt.Errorf("%w: describe security groups: %w", common.ErrRemote, err)
	}

	switch len(output.SecurityGroups) {
	case 0:
		return "", fmt.Errorf("%w: %s", common.ErrGroupNotFound, name)
	case 1:
	default:
		return "", fmt.Errorf("%w: %s (%d matches, set a VPC ID)", common.ErrAmbiguousGroup, name, len(output.SecurityGroups))
	}

	groupID := common.GetString(output.SecurityGroups[0].GroupId)
	if groupID == "" {
		return "", fmt.Errorf("%w: %s has no group ID", common.ErrGroupNotFound, name)
	}

	log.Debug().Str("group_id", groupID).Msg("security group located")
	return groupID, nil
}

// ListRules returns the current single-port IPv4 ingress rules of the group.
func (s *ruleStore) ListRules(ctx context.Context, groupID string) ([]common.ObservedRule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	output, err := s.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: describe security group %s: %w", common.ErrRemote, groupID, err)
	}

	if len(output.SecurityGroups) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrGroupNotFound, groupID)
	}

	return FlattenPermissions(output.SecurityGroups[0].IpPermissions), nil
}

// Revoke removes a single ingress rule. A rule that no longer exists counts as revoked.
func (s *ruleStore) Revoke(ctx context.Context, groupID string, rule common.ObservedRule) error {
	log := s.logger.With().Str(common.LogStrMethod, "Revoke").Str("rule", rule.String()).Logger()

	if rule.CIDR == common.WildcardCIDR {
		return common.ErrProtectedRule
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	output, err := s.client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       common.GetStringPointer(groupID),
		IpPermissions: []ec2Types.IpPermission{ipPermission(rule.Dimension(), rule.CIDR, "")},
	})
	if err != nil {
		if hasErrorCode(err, codeNotFound) {
			log.Warn().Msg("rule already gone")
			return nil
		}
		return fmt.Errorf("%w: revoke ingress: %w", common.ErrRemote, err)
	}

	if output != nil && len(output.UnknownIpPermissions) > 0 {
		log.Warn().Msg("rule already gone")
	}

	return nil
}

// Authorize adds a single ingress rule. An already present rule counts as authorized.
func (s *ruleStore) Authorize(ctx context.Context, groupID string, dim common.PortProtocol, cidr string) error {
	log := s.logger.With().Str(common.LogStrMethod, "Authorize").Str("dimension", dim.String()).Str("cidr", cidr).Logger()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       common.GetStringPointer(groupID),
		IpPermissions: []ec2Types.IpPermission{ipPermission(dim, cidr, s.opts.RuleDescription)},
	})
	if err != nil {
		if hasErrorCode(err, codeDuplicate) {
			log.Debug().Msg(common.ErrDuplicateRule.Error())
			return nil
		}
		return fmt.Errorf("%w: authorize ingress: %w", common.ErrRemote, err)
	}

	return nil
}
