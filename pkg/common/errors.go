package common

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigLoadFailure indicates failure to load AWS configuration.
	ErrConfigLoadFailure = errors.New("failed to load AWS configuration")
	// ErrInvalidConfig indicates the process configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNetwork indicates the public IP lookup was unreachable or returned garbage.
	ErrNetwork = errors.New("public IP lookup failed")
	// ErrInvalidIP indicates a value that is not an IPv4 dotted-quad.
	ErrInvalidIP = errors.New("not a valid IPv4 address")
	// ErrRemote indicates an EC2 API call failed.
	ErrRemote = errors.New("EC2 API call failed")
	// ErrGroupNotFound indicates that the named security group does not exist.
	ErrGroupNotFound = errors.New("security group not found in AWS")
	// ErrAmbiguousGroup indicates more than one security group carries the requested name.
	ErrAmbiguousGroup = errors.New("security group name matches more than one group")
	// ErrDuplicateRule indicates the ingress rule already exists. Authorize treats it as success.
	ErrDuplicateRule = errors.New("ingress rule already exists")
	// ErrProtectedRule indicates an attempt to revoke the wildcard rule.
	ErrProtectedRule = errors.New("refusing to revoke wildcard ingress rule")
	// ErrInvalidPolicy indicates the desired policy could not be parsed.
	ErrInvalidPolicy = errors.New("invalid desired policy")
	// ErrPromptFailed indicates a failure in collecting user input interactively.
	ErrPromptFailed = errors.New("interactive prompt failed")
)

// MutationError records which revoke or authorize failed and on which dimension.
type MutationError struct {
	Op   string
	Rule ObservedRule
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Rule, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
