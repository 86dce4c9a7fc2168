package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ErrObjectExists is returned by SaveToGCSAtomically when the target object is already present.
var ErrObjectExists = errors.New("object already exists")

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GCSURI formats a gs:// URI.
func GCSURI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}

// SplitGCSURI splits gs://bucket/object into its bucket and object parts.
// The object part may be empty or contain glob metacharacters.
func SplitGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// URI", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%q has no bucket", uri)
	}
	return bucket, object, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content io.Reader) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", objectName, ErrObjectExists)
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", objectName, ErrObjectExists)
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	return hasHTTPCode(err, http.StatusPreconditionFailed)
}

// GCSSource resolves input expressions to objects and opens them for reading.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource wraps a storage client.
func NewGCSSource(client *storage.Client) *GCSSource {
	return &GCSSource{client: client}
}

// Resolve expands an input expression into the gs:// URIs of the objects it denotes.
//
// An expression is, in order of precedence: a glob over object names ('*', '?'
// and '[...]' never cross a '/'), an exact object, or a directory whose direct
// children are read. Hidden objects ('_' or '.' prefixed base names) and folder
// placeholders are skipped when expanding globs and directories. A glob that
// matches nothing or a directory that does not exist is an error; an existing
// directory with no visible children resolves to no objects.
func (s *GCSSource) Resolve(ctx context.Context, expr string) ([]string, error) {
	bucket, object, err := SplitGCSURI(expr)
	if err != nil {
		return nil, err
	}

	if HasGlob(object) {
		names, err := s.list(ctx, bucket, globPrefix(object), "")
		if err != nil {
			return nil, err
		}
		matched, err := MatchObjects(names, object)
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			return nil, noMatches(expr)
		}
		return toURIs(bucket, matched), nil
	}

	if object != "" && !strings.HasSuffix(object, "/") {
		_, err := s.client.Bucket(bucket).Object(object).Attrs(ctx)
		if err == nil {
			return []string{GCSURI(bucket, object)}, nil
		}
		if !errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", expr, err)
		}
	}

	dir := object
	if dir != "" && !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	names, err := s.list(ctx, bucket, dir, "/")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, noMatches(expr)
	}
	var visible []string
	for _, name := range names {
		if !isHiddenObject(name) && !isPlaceholder(name) {
			visible = append(visible, name)
		}
	}
	return toURIs(bucket, visible), nil
}

// Open returns a reader over the object named by uri.
func (s *GCSSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := SplitGCSURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", uri, err)
	}
	return reader, nil
}

func (s *GCSSource) list(ctx context.Context, bucket, prefix, delimiter string) ([]string, error) {
	query := &storage.Query{Prefix: prefix, Delimiter: delimiter}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := s.client.Bucket(bucket).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			slog.Error("Failed to list objects", "error", err, "bucket", bucket, "prefix", prefix)
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		// Synthetic prefixes stand for subdirectories, not objects.
		if attrs.Name == "" {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func noMatches(expr string) error {
	return fmt.Errorf("input path %s matches no objects: %w", expr, storage.ErrObjectNotExist)
}

func toURIs(bucket string, names []string) []string {
	sort.Strings(names)
	uris := make([]string, 0, len(names))
	for _, name := range names {
		uris = append(uris, GCSURI(bucket, name))
	}
	return uris
}

// HasGlob reports whether an object pattern contains glob metacharacters.
func HasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// globPrefix is the literal part of pattern before its first metacharacter.
func globPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// MatchObjects returns the visible names that match pattern.
func MatchObjects(names []string, pattern string) ([]string, error) {
	var matched []string
	for _, name := range names {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		if ok && !isHiddenObject(name) && !isPlaceholder(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// isPlaceholder reports whether name is a zero-content folder marker.
func isPlaceholder(name string) bool {
	return strings.HasSuffix(name, "/")
}

func isHiddenObject(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "_") || strings.HasPrefix(base, ".")
}
