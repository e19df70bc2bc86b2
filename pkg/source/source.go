// Package source reads the documents a plan manifest refers to from a local
// path, a file:// URL, or an s3://bucket/key URI.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gostage/pkg/locator"
)

// Sentinel errors for document reads.
var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupportedScheme indicates a URI scheme the reader cannot open.
	ErrUnsupportedScheme = errors.New("unsupported document scheme")
)

// Error wraps a failed read with the URI it was for.
type Error struct {
	Op  string
	URI string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("source %s %s: %v", e.Op, e.URI, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ObjectGetter is the part of the S3 client the reader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Reader opens documents by URI. The S3 client is built on first use.
type Reader struct {
	cfg S3Config

	once      sync.Once
	client    ObjectGetter
	clientErr error
}

// Option configures a Reader.
type Option func(*Reader)

// WithS3Client uses client for s3:// documents instead of building one.
func WithS3Client(client ObjectGetter) Option {
	return func(r *Reader) {
		r.client = client
		r.once.Do(func() {})
	}
}

// NewReader returns a reader using cfg for s3:// documents.
func NewReader(cfg S3Config, opts ...Option) *Reader {
	r := &Reader{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns a stream for uri. The caller closes it.
func (r *Reader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	l := locator.Parse(uri)
	switch {
	case l.Scheme == "s3":
		return r.openS3(ctx, uri, l)
	case l.Scheme == "" || l.Scheme == locator.SchemeFile:
		if l.Host != "" && l.Host != "localhost" {
			return nil, &Error{Op: "open", URI: uri, Err: fmt.Errorf("%w: remote file host %q", ErrUnsupportedScheme, l.Host)}
		}
		return openLocal(uri, l.Path)
	default:
		return nil, &Error{Op: "open", URI: uri, Err: fmt.Errorf("%w: %s", ErrUnsupportedScheme, l.Scheme)}
	}
}

// ReadAll returns the whole document at uri.
func (r *Reader) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	rc, err := r.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, &Error{Op: "read", URI: uri, Err: err}
	}
	return buf.Bytes(), nil
}

func openLocal(uri, path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, &Error{Op: "open", URI: uri, Err: errors.New("empty path")}
	}
	f, err := os.Open(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			err = ErrNotFound
		case os.IsPermission(err):
			err = ErrAccessDenied
		}
		return nil, &Error{Op: "open", URI: uri, Err: err}
	}
	return f, nil
}

func (r *Reader) openS3(ctx context.Context, uri string, l locator.Locator) (io.ReadCloser, error) {
	bucket, key := l.Host, strings.TrimPrefix(l.Path, "/")
	if bucket == "" || key == "" {
		return nil, &Error{Op: "open", URI: uri, Err: errors.New("s3 URI needs a bucket and a key")}
	}

	client, err := r.s3Client(ctx)
	if err != nil {
		return nil, &Error{Op: "open", URI: uri, Err: err}
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &Error{Op: "get", URI: uri, Err: classify(err)}
	}
	return out.Body, nil
}

func (r *Reader) s3Client(ctx context.Context) (ObjectGetter, error) {
	r.once.Do(func() {
		r.client, r.clientErr = newS3Client(ctx, r.cfg)
	})
	return r.client, r.clientErr
}

// classify maps S3 failures onto the package sentinels, keeping the
// original error when nothing matches.
func classify(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return err
}
