package common

import "fmt"

// StoreErrType classifies persistence failures.
type StoreErrType uint32

const (
	// Corrupted is returned when a persisted record cannot be decoded.
	Corrupted StoreErrType = iota
	// Closed is returned when the underlying database has been closed.
	Closed
)

// String ...
func (t StoreErrType) String() string {
	switch t {
	case Corrupted:
		return "Corrupted"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StoreErr is a persistence error on a record of a given kind.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
	cause    error
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// NewCorruptedErr wraps the decoding error of the record stored under key.
func NewCorruptedErr(dataType string, key []byte, cause error) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  Corrupted,
		key:      ShortHex(key, 16),
		cause:    cause,
	}
}

// Error ...
func (e StoreErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.dataType, e.key, e.errType, e.cause)
	}
	return fmt.Sprintf("%s %s: %s", e.dataType, e.key, e.errType)
}

// Unwrap returns the underlying error, if any.
func (e StoreErr) Unwrap() error {
	return e.cause
}

// IsStore checks that an error is of type StoreErr and that its type matches t.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
