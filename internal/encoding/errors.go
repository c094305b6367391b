package encoding

import "errors"

var (
	errTooLong              = errors.New("encoding: value too long to encode")
	errUnexpectedEOF        = errors.New("encoding: unexpected EOF")
	errInvalidMessage       = errors.New("encoding: invalid message")
	errMissingErrorCondition = errors.New("encoding: error.condition is required")
	errInvalidString        = errors.New("encoding: invalid UTF-8 string")
)

// ErrCond is an AMQP error condition symbol, defined by the transport,
// connection, session, link, or SASL error condition tables.
type ErrCond Symbol

// Transport and AMQP error conditions (amqp-error, connection-error,
// session-error, link-error).
const (
	ErrCondInternalError          ErrCond = "amqp:internal-error"
	ErrCondNotFound               ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess     ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError            ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded  ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed             ErrCond = "amqp:not-allowed"
	ErrCondInvalidField           ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented         ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked         ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed     ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted        ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState           ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall      ErrCond = "amqp:frame-size-too-small"

	ErrCondConnectionForced       ErrCond = "amqp:connection:forced"
	ErrCondConnectionFramingError ErrCond = "amqp:connection:framing-error"
	ErrCondConnectionRedirect     ErrCond = "amqp:connection:redirect"

	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	ErrCondDetachForced         ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondLinkRedirect         ErrCond = "amqp:link:redirect"
	ErrCondMessageSizeExceeded  ErrCond = "amqp:link:message-size-exceeded"
	ErrCondStolen               ErrCond = "amqp:link:stolen"

	ErrCondTransactionUnknownID       ErrCond = "amqp:transaction:unknown-id"
	ErrCondTransactionRollback        ErrCond = "amqp:transaction:rollback"
	ErrCondTransactionTimeout         ErrCond = "amqp:transaction:timeout"
)
