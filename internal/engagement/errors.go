package engagement

import "errors"

var (
	ErrNotConfigured          = errors.New("employment verification service not configured")
	ErrActivityNotFound       = errors.New("employment activity not found")
	ErrBeneficiaryNotFound    = errors.New("beneficiary not found")
	ErrAlreadyVerified        = errors.New("employment activity already verified")
	ErrVerificationInitFailed = errors.New("failed to initiate verification")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrMissingHeaders         = errors.New("missing webhook signature headers")
	ErrInvalidPayload         = errors.New("invalid webhook payload")
	ErrInvalidActivity        = errors.New("invalid employment activity")
)
