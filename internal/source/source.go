package source

import "context"

// Params carries caller-supplied listing parameters (date ranges, document
// categories, ...). Adapters interpret the keys they understand and ignore
// the rest.
type Params map[string]string

// Credentials are the secrets an adapter needs to authenticate. Public API
// sources may need none of them.
type Credentials struct {
	Username string
	Password string
	APIKey   string
}

// AuthResult is returned by a successful Authenticate call.
type AuthResult struct {
	Token string
}

// ItemInfo describes one remote item as reported by a listing.
type ItemInfo struct {
	// Name is the source-assigned logical filename, unique within a listing.
	Name string
	// Locator is whatever the adapter needs to fetch the item later
	// (URL, document id, portal path).
	Locator string
	// Type is a source-defined tag (claim, statement, budget, ...).
	Type string
	// SizeHint is the expected size in bytes, 0 when the source does not say.
	SizeHint int64
	Metadata map[string]string
}

// FetchResult is returned by a successful Fetch.
type FetchResult struct {
	BytesWritten int64
}

// Adapter is implemented once per external system. Adapters do no
// orchestration: they authenticate, list, fetch and validate, and report
// results for the orchestrator to persist. They never write session state.
type Adapter interface {
	// Type returns the source_type this adapter serves.
	Type() string

	// Authenticate establishes a session with the remote system. It is a
	// no-op for unauthenticated public APIs. Auth failures are
	// non-retryable and must be returned as ClassAuth errors.
	Authenticate(ctx context.Context, creds Credentials) (AuthResult, error)

	// ListItems enumerates remote items. It must be idempotent and
	// side-effect-free; on error no partial list is returned.
	ListItems(ctx context.Context, params Params) ([]ItemInfo, error)

	// Fetch streams one item to dest. Implementations must not assume
	// authentication state survives between calls and re-authenticate
	// internally when needed.
	Fetch(ctx context.Context, item ItemInfo, dest string) (FetchResult, error)

	// Validate performs a lightweight sanity check on a fetched file
	// before it may be marked completed.
	Validate(path string, item ItemInfo) error
}
