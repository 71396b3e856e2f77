package battle

import "errors"

// Class groups errors by the kind of rule they violate.
type Class int

const (
	ClassUnknown Class = iota
	ClassState
	ClassAuthorization
	ClassResource
	ClassReference
	ClassConsistency
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassState:
		return "state"
	case ClassAuthorization:
		return "authorization"
	case ClassResource:
		return "resource"
	case ClassReference:
		return "reference"
	case ClassConsistency:
		return "consistency"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified match error. Sentinels are compared by identity,
// so wrap them with fmt.Errorf("...: %w", err) to add context.
type Error struct {
	Class   Class
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(class Class, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// State errors
var (
	ErrNotWaiting       = newError(ClassState, "GAME_NOT_WAITING", "match is not waiting for players")
	ErrNotActive        = newError(ClassState, "GAME_NOT_ACTIVE", "match is not active")
	ErrGameNotFinished  = newError(ClassState, "GAME_NOT_FINISHED", "match is not finished")
	ErrNotCommitted     = newError(ClassState, "GAME_NOT_COMMITTED", "match has not been committed back to durable storage")
	ErrAlreadyDelegated = newError(ClassState, "ALREADY_DELEGATED", "match is already delegated")
	ErrNotDelegated     = newError(ClassState, "NOT_DELEGATED", "match is not delegated")
	ErrSealed           = newError(ClassState, "VENUE_SEALED", "match is being reconciled")
)

// Authorization errors
var (
	ErrNotAPlayer   = newError(ClassAuthorization, "NOT_A_PLAYER", "caller is not a player in this match")
	ErrInvalidAuth  = newError(ClassAuthorization, "INVALID_AUTH", "session does not resolve to the profile authority")
	ErrNotWinner    = newError(ClassAuthorization, "NOT_WINNER", "caller is not on the winning side")
	ErrUnauthorized = newError(ClassAuthorization, "UNAUTHORIZED", "caller may not perform this operation")
)

// Resource errors
var (
	ErrNotEnoughElixir = newError(ClassResource, "NOT_ENOUGH_ELIXIR", "not enough elixir")
	ErrCardNotOwned    = newError(ClassResource, "CARD_NOT_OWNED", "card is not owned")
	ErrTooManyEntities = newError(ClassResource, "TOO_MANY_ENTITIES", "entity limit reached")
)

// Reference errors
var (
	ErrInvalidCardID    = newError(ClassReference, "INVALID_CARD_ID", "unknown card id")
	ErrInvalidCardIndex = newError(ClassReference, "INVALID_CARD_INDEX", "deck slot out of range")
	ErrEmptyCardSlot    = newError(ClassReference, "EMPTY_CARD_SLOT", "deck slot is empty")
	ErrInvalidWinner    = newError(ClassReference, "INVALID_WINNER", "invalid winner value")
	ErrInvalidTower     = newError(ClassReference, "INVALID_TOWER", "tower index out of range")
	ErrInvalidKind      = newError(ClassReference, "INVALID_KIND", "unknown match kind")
)

// Consistency errors
var (
	ErrAlreadyClaimed      = newError(ClassConsistency, "ALREADY_CLAIMED", "reward already claimed")
	ErrWinnerAlreadySet    = newError(ClassConsistency, "WINNER_ALREADY_SET", "winner already determined")
	ErrWinnerNotDetermined = newError(ClassConsistency, "WINNER_NOT_DETERMINED", "winner not determined")
	ErrMatchFull           = newError(ClassConsistency, "GAME_FULL", "match is full")
	ErrAlreadyJoined       = newError(ClassConsistency, "ALREADY_JOINED", "player already joined")
	ErrMatchExists         = newError(ClassConsistency, "GAME_EXISTS", "match already exists")
	ErrConcurrentUpdate    = newError(ClassConsistency, "CONCURRENT_UPDATE", "match was modified concurrently, retry")
	ErrChecksumMismatch    = newError(ClassConsistency, "CHECKSUM_MISMATCH", "snapshot checksum mismatch")
)

// ErrMatchNotFound is returned when no match exists under an id.
var ErrMatchNotFound = newError(ClassNotFound, "GAME_NOT_FOUND", "match not found")

// ClassOf returns the class of the first *Error in err's chain.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
