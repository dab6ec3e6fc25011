package broker

import "errors"

// ErrorCode is a stable identifier surfaced in error frames and in logs.
type ErrorCode string

const (
	// CodeAuthMalformed indicates the auth frame was absent, not JSON, or
	// missing required fields.
	CodeAuthMalformed ErrorCode = "AuthMalformed"
	// CodeAuthRejected indicates the downstream platform rejected the
	// credentials on first meaningful interaction.
	CodeAuthRejected ErrorCode = "AuthRejected"
	// CodeAdmissionDenied indicates a global or per-credential cap was hit.
	CodeAdmissionDenied ErrorCode = "AdmissionDenied"
	// CodeResumeRejected covers UnknownSession, DigestMismatch and SessionBusy.
	CodeResumeRejected ErrorCode = "ResumeRejected"
	// CodeProvisionFailed indicates the container could not be created or
	// started after retries.
	CodeProvisionFailed ErrorCode = "ProvisionFailed"
	// CodeShellFailed indicates pseudo-terminal allocation or shell launch
	// failed inside an otherwise healthy container.
	CodeShellFailed ErrorCode = "ShellFailed"
	// CodeTransportFailed indicates a socket or exec stream I/O error.
	CodeTransportFailed ErrorCode = "TransportFailed"
	// CodeInternal indicates an invariant violation or unexpected exception.
	CodeInternal ErrorCode = "Internal"
)

// Admission denial reasons (sub-reasons of CodeAdmissionDenied).
const (
	ReasonGlobalCap        = "GlobalCap"
	ReasonPerCredentialCap = "PerCredentialCap"
)

// Resume rejection reasons (sub-reasons of CodeResumeRejected).
const (
	ReasonUnknownSession  = "UnknownSession"
	ReasonDigestMismatch  = "DigestMismatch"
	ReasonSessionBusy     = "SessionBusy"
)

// Container provisioning failure classes, per the Container Supervisor contract.
const (
	ReasonImageUnavailable = "ImageUnavailable"
	ReasonResourceExhausted = "ResourceExhausted"
	ReasonPolicyDenied     = "PolicyDenied"
	ReasonTransient        = "Transient"
)

// BrokerError pairs a stable code with a sub-reason and a human message.
type BrokerError struct {
	Code    ErrorCode
	Reason  string
	Message string
	err     error
}

func (e *BrokerError) Error() string {
	if e.Reason != "" {
		return string(e.Code) + "/" + e.Reason + ": " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

func (e *BrokerError) Unwrap() error { return e.err }

func newError(code ErrorCode, reason, message string, wrapped error) *BrokerError {
	return &BrokerError{Code: code, Reason: reason, Message: message, err: wrapped}
}

// AsBrokerError unwraps err looking for a *BrokerError.
func AsBrokerError(err error) (*BrokerError, bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
