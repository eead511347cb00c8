// Package backend stores compressed mirror files.
//
// All operations address files by mirror key: a clean, forward-slash path
// relative to the mirror root. Missing paths on Delete and Rename are not
// errors; there is simply nothing to do.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

var (
	// ErrUnsupportedScheme is returned for destination URIs with an unknown scheme.
	ErrUnsupportedScheme = errors.New("unsupported destination scheme")
	// ErrConnectionLost marks errors after which a remote handle must be reopened.
	ErrConnectionLost = errors.New("connection to the mirror was lost")
)

// Backend is the capability set every mirror target provides.
type Backend interface {
	FileExists(ctx context.Context, key string) (bool, error)
	DirExists(ctx context.Context, key string) (bool, error)
	// EnsureDirTree creates key and its missing ancestors. It is idempotent.
	EnsureDirTree(ctx context.Context, key string) error
	// StoreCompressed replaces key with the compressed form of src. size is
	// the uncompressed length if known, or -1.
	StoreCompressed(ctx context.Context, src io.Reader, size int64, key string) (transcode.Stats, error)
	// Delete removes a file or, recursively, a directory and prunes empty
	// ancestors up to but not including the mirror root.
	Delete(ctx context.Context, key string) error
	Rename(ctx context.Context, from, to string) error
	// Walk calls fn for every file key below the mirror root in lexical order.
	Walk(ctx context.Context, fn func(key string) error) error
	Close() error
}

// Scheme identifies the kind of mirror target.
type Scheme string

const (
	SchemeLocal Scheme = "file"
	SchemeFTP   Scheme = "ftp"
	SchemeSFTP  Scheme = "sftp"
	SchemeS3    Scheme = "s3"
)

// Destination is a parsed mirror target.
type Destination struct {
	Scheme Scheme
	// Host is host[:port] for ftp and sftp, the bucket for s3.
	Host string
	// Path is the mirror root: a local directory, a remote directory or an
	// object key prefix.
	Path string
	Raw  string
}

// Remote reports whether every worker needs its own connection.
func (d Destination) Remote() bool {
	return d.Scheme == SchemeFTP || d.Scheme == SchemeSFTP
}

func (d Destination) String() string {
	if d.Scheme == SchemeLocal {
		return d.Path
	}
	return fmt.Sprintf("%s://%s/%s", d.Scheme, d.Host, strings.TrimPrefix(d.Path, "/"))
}

// ParseDestination selects the backend for dest by its scheme. Anything
// without a "scheme://" prefix is a local path. Credentials embedded in the
// URI are refused; they belong in the config file or environment.
func ParseDestination(dest string) (Destination, error) {
	if dest == "" {
		return Destination{}, errors.New("destination cannot be empty")
	}
	if !strings.Contains(dest, "://") {
		return Destination{Scheme: SchemeLocal, Path: dest, Raw: dest}, nil
	}

	u, err := url.Parse(dest)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid destination %q: %w", dest, err)
	}
	if u.User != nil {
		return Destination{}, fmt.Errorf("destination %q must not contain credentials; use the config file or PGL_MIRROR_USER/PGL_MIRROR_PASSWORD", u.Redacted())
	}
	d := Destination{Host: u.Host, Raw: dest}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "file" && u.Host == "" {
		return Destination{}, fmt.Errorf("destination %q has no host", dest)
	}
	switch scheme {
	case "ftp":
		d.Scheme = SchemeFTP
		d.Path = cleanRemoteRoot(u.Path)
	case "sftp":
		d.Scheme = SchemeSFTP
		d.Path = cleanRemoteRoot(u.Path)
	case "s3":
		d.Scheme = SchemeS3
		d.Path = strings.Trim(path.Clean("/"+u.Path), "/")
	case "file":
		d.Scheme = SchemeLocal
		d.Host = ""
		d.Path = u.Path
	default:
		return Destination{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return d, nil
}

func cleanRemoteRoot(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Options configure remote backends.
type Options struct {
	User            string
	Password        string
	Timeout         time.Duration
	KnownHostsFile  string
	InsecureHostKey bool

	S3Endpoint string
	S3Region   string
	S3Secure   bool

	// ListingCacheSize is the number of directory listings a remote handle
	// keeps. One reproduces a cache that is dropped whenever another
	// directory is queried.
	ListingCacheSize int

	Transcoder *transcode.Transcoder
	Staging    *Staging
}

// Open connects to the destination.
func Open(ctx context.Context, d Destination, opts Options) (Backend, error) {
	if opts.Transcoder == nil {
		return nil, errors.New("backend requires a transcoder")
	}
	if opts.Staging == nil {
		opts.Staging = NewStaging(0, "")
	}
	switch d.Scheme {
	case SchemeLocal:
		return NewLocal(d.Path, opts.Transcoder)
	case SchemeFTP:
		conn, err := dialFTP(ctx, d, opts)
		if err != nil {
			return nil, err
		}
		return newRemote(conn, d.Path, opts), nil
	case SchemeSFTP:
		conn, err := dialSFTP(ctx, d, opts)
		if err != nil {
			return nil, err
		}
		return newRemote(conn, d.Path, opts), nil
	case SchemeS3:
		return NewS3(ctx, d, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, d.Scheme)
	}
}

// parentKey returns the directory key holding key, "" for the mirror root.
func parentKey(key string) string {
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
