// Package aws to interact w AWS resources
package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

const (
	// codeDuplicate is returned by AuthorizeSecurityGroupIngress when the rule already exists.
	codeDuplicate = "InvalidPermission.Duplicate"
	// codeNotFound is returned by RevokeSecurityGroupIngress when the rule does not exist.
	codeNotFound = "InvalidPermission.NotFound"
)

// EC2Client defines the subset of AWS EC2 methods used by this application.
type EC2Client interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// FlattenPermissions converts EC2 ip permissions into one ObservedRule per IPv4 range.
//
// Only single-port tcp/udp permissions can belong to a policy dimension. Port ranges,
// "all traffic" (-1), icmp, IPv6 ranges and security group references are skipped so
// that they are never considered for revocation.
func FlattenPermissions(perms []ec2Types.IpPermission) []common.ObservedRule {
	rules := make([]common.ObservedRule, 0)

	for _, perm := range perms {
		proto, err := common.ParseProtocol(common.GetString(perm.IpProtocol))
		if err != nil {
			continue
		}

		from, okFrom := common.GetInt32(perm.FromPort)
		to, okTo := common.GetInt32(perm.ToPort)
		if !okFrom || !okTo || from != to || from < 0 || from > 65535 {
			continue
		}

		rules = append(rules, lo.FilterMap(perm.IpRanges, func(r ec2Types.IpRange, _ int) (common.ObservedRule, bool) {
			if r.CidrIp == nil {
				return common.ObservedRule{}, false
			}
			return common.ObservedRule{Port: uint16(from), Protocol: proto, CIDR: *r.CidrIp}, true
		})...)
	}

	return rules
}

// ipPermission builds the single-port, single-range permission used for revoke and authorize.
func ipPermission(dim common.PortProtocol, cidr, description string) ec2Types.IpPermission {
	ipRange := ec2Types.IpRange{CidrIp: common.GetStringPointer(cidr)}
	if description != "" {
		ipRange.Description = common.GetStringPointer(description)
	}

	return ec2Types.IpPermission{
		IpProtocol: common.GetStringPointer(string(dim.Protocol)),
		FromPort:   common.GetInt32Pointer(int32(dim.Port)),
		ToPort:     common.GetInt32Pointer(int32(dim.Port)),
		IpRanges:   []ec2Types.IpRange{ipRange},
	}
}

// hasErrorCode reports whether err is an AWS API error carrying the given code.
func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
