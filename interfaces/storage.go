package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrContentNotFound = errors.New("content not found")
	// ErrBackendUnavailable is returned when a backend cannot be reached or
	// refuses the configured credentials.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// ContentID is the SHA-256 of stored content.
type ContentID [sha256.Size]byte

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// ParseContentID accepts 64 hex characters with an optional 0x prefix.
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid content id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid content id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType namespaces content within a backend.
type ContentType int

const (
	// DescriptorType holds deployment descriptors dumped after an install run.
	DescriptorType ContentType = iota
)

func (ct ContentType) String() string {
	switch ct {
	case DescriptorType:
		return "descriptor"
	default:
		return "unknown"
	}
}

var supportedSchemes = map[string]bool{
	"file":   true,
	"s3":     true,
	"ipfs":   true,
	"vault":  true,
	"github": true,
}

// StorageBackendLocation is a parsed backend URI of the form
// scheme://[auth@]host[:port][/path][?params].
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// Auth is the userinfo part, "user" or "user:password".
	Auth string
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	if !supportedSchemes[parsed.Scheme] {
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool reports whether a query parameter is set to a true value.
// Unparseable values count as false.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	v, err := strconv.ParseBool(loc.Query.Get(name))
	return err == nil && v
}

// StorageBackend provides content-addressed storage. Store is idempotent: the
// same bytes always yield the same id.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available reports whether the backend can currently serve requests.
	Available(ctx context.Context) bool

	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}
