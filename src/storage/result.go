package storage

// RejectReason says why the store refused a mutation.
type RejectReason int

const (
	// NoReason is set on accepted results.
	NoReason RejectReason = iota
	// InvalidPayload is a payload missing mandatory fields.
	InvalidPayload
	// InvalidSignature ...
	InvalidSignature
	// InvalidTTL is a TTL that is not positive.
	InvalidTTL
	// Expired is an entry whose TTL lapsed before it was received.
	Expired
	// StaleSequence is a sequence number not greater than the recorded one.
	StaleSequence
	// OwnerMismatch is an operation signed by a key other than the owner's.
	OwnerMismatch
	// NotFound is a refresh for an entry the store does not hold.
	NotFound
)

// String ...
func (r RejectReason) String() string {
	switch r {
	case NoReason:
		return ""
	case InvalidPayload:
		return "INVALID_PAYLOAD"
	case InvalidSignature:
		return "INVALID_SIGNATURE"
	case InvalidTTL:
		return "INVALID_TTL"
	case Expired:
		return "EXPIRED"
	case StaleSequence:
		return "STALE_SEQUENCE"
	case OwnerMismatch:
		return "OWNER_MISMATCH"
	case NotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// IsViolation reports whether the reason implies a misbehaving sender rather
// than an ordinary race between gossip paths.
func (r RejectReason) IsViolation() bool {
	switch r {
	case InvalidPayload, InvalidSignature, InvalidTTL, OwnerMismatch:
		return true
	default:
		return false
	}
}

// Result is the outcome of TryAdd, TryRemove and Refresh.
type Result struct {
	Accepted bool
	// Duplicate is set when an identical add was replayed. The store is
	// unchanged and nothing is published.
	Duplicate bool
	Reason    RejectReason
}

func accepted() Result {
	return Result{Accepted: true}
}

func duplicate() Result {
	return Result{Accepted: true, Duplicate: true}
}

func rejected(r RejectReason) Result {
	return Result{Reason: r}
}

// String ...
func (r Result) String() string {
	switch {
	case r.Duplicate:
		return "DUPLICATE"
	case r.Accepted:
		return "ACCEPTED"
	default:
		return "REJECTED(" + r.Reason.String() + ")"
	}
}
