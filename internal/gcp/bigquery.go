package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

// WordCountSchema is the destination table schema.
var WordCountSchema = bigquery.Schema{
	{Name: "word", Type: bigquery.StringFieldType},
	{Name: "word_count", Type: bigquery.IntegerFieldType},
	{Name: "input_file", Type: bigquery.StringFieldType},
}

// TableRef identifies a BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Project, r.Dataset, r.Table)
}

// ParseTableID accepts "project:dataset.table", "project.dataset.table" and
// "dataset.table"; the last form uses defaultProject. Domain-scoped projects
// ("example.com:project") are accepted in the first two forms.
func ParseTableID(id, defaultProject string) (TableRef, error) {
	var ref TableRef
	rest := id
	if i := strings.LastIndex(id, ":"); i >= 0 {
		if i == 0 {
			return TableRef{}, fmt.Errorf("invalid table id %q: empty project", id)
		}
		ref.Project, rest = id[:i], id[i+1:]
	}

	parts := strings.Split(rest, ".")
	switch {
	case ref.Project != "" && len(parts) == 2:
		ref.Dataset, ref.Table = parts[0], parts[1]
	case ref.Project != "" && len(parts) == 3 && !strings.Contains(ref.Project, ":"):
		// example.com:project.dataset.table
		ref.Project = ref.Project + ":" + parts[0]
		ref.Dataset, ref.Table = parts[1], parts[2]
	case ref.Project == "" && len(parts) == 3:
		ref.Project, ref.Dataset, ref.Table = parts[0], parts[1], parts[2]
	case ref.Project == "" && len(parts) == 2:
		ref.Project, ref.Dataset, ref.Table = defaultProject, parts[0], parts[1]
	default:
		return TableRef{}, fmt.Errorf("invalid table id %q: want project:dataset.table", id)
	}
	if strings.Count(ref.Project, ":") > 1 {
		return TableRef{}, fmt.Errorf("invalid table id %q: project %q has more than one domain", id, ref.Project)
	}
	if ref.Project == "" || ref.Dataset == "" || ref.Table == "" {
		return TableRef{}, fmt.Errorf("invalid table id %q: project, dataset and table must be set", id)
	}
	return ref, nil
}

// ParseStagingPath splits a temp bucket of the form "bucket/path/" (a gs:// scheme is tolerated).
func ParseStagingPath(tempBucket string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(tempBucket, "gs://")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid temp bucket %q: want bucket/path/", tempBucket)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// SchemaSummary renders a schema as an indented tree, one line per field.
func SchemaSummary(schema bigquery.Schema) []string {
	lines := []string{"root"}
	for _, f := range schema {
		lines = append(lines, fmt.Sprintf(" |-- %s: %s (nullable = %t)", f.Name, strings.ToLower(string(f.Type)), !f.Required))
	}
	return lines
}

// warehouse is the subset of BigQuery table operations the sink needs.
type warehouse interface {
	tableExists(ctx context.Context, ref TableRef) (bool, error)
	createTable(ctx context.Context, ref TableRef, schema bigquery.Schema) error
	loadFromGCS(ctx context.Context, ref TableRef, schema bigquery.Schema, uris []string) error
}

// stagingStore holds the intermediate files of an indirect write.
type stagingStore interface {
	put(ctx context.Context, bucket, object string, data []byte) error
	remove(ctx context.Context, bucket, object string) error
}

// BigQuerySink appends word-count rows to a BigQuery table. Rows are staged
// as newline-delimited JSON under the temp bucket and committed by a single
// load job, so a failed run leaves the table untouched.
type BigQuerySink struct {
	wh             warehouse
	staging        stagingStore
	defaultProject string
	stagingBucket  string
	stagingPrefix  string
	newRunID       func() string
}

// NewBigQuerySink creates a sink staging through tempBucket ("bucket/path/").
func NewBigQuerySink(bq *bigquery.Client, gcs *storage.Client, tempBucket, defaultProject string) (*BigQuerySink, error) {
	return newBigQuerySink(&bqWarehouse{client: bq}, &gcsStaging{client: gcs}, tempBucket, defaultProject)
}

func newBigQuerySink(wh warehouse, staging stagingStore, tempBucket, defaultProject string) (*BigQuerySink, error) {
	bucket, prefix, err := ParseStagingPath(tempBucket)
	if err != nil {
		return nil, err
	}
	return &BigQuerySink{
		wh:             wh,
		staging:        staging,
		defaultProject: defaultProject,
		stagingBucket:  bucket,
		stagingPrefix:  prefix,
		newRunID:       uuid.NewString,
	}, nil
}

// Write appends rows to table, creating it with WordCountSchema if needed.
func (s *BigQuerySink) Write(ctx context.Context, table string, rows []models.WordCountRow) (*models.WriteSummary, error) {
	ref, err := ParseTableID(table, s.defaultProject)
	if err != nil {
		return nil, err
	}
	logCtx := slog.With("table", ref.String())

	existed, err := s.wh.tableExists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to look up table %s: %w", ref, err)
	}
	summary := &models.WriteSummary{
		Table:        ref.String(),
		RowsWritten:  len(rows),
		TableCreated: !existed,
		Schema:       SchemaSummary(WordCountSchema),
	}

	if len(rows) == 0 {
		if !existed {
			if err := s.wh.createTable(ctx, ref, WordCountSchema); err != nil {
				return nil, fmt.Errorf("failed to create table %s: %w", ref, err)
			}
			logCtx.Info("Created empty destination table.")
		}
		return summary, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("failed to encode row %q: %w", row.Word, err)
		}
	}

	object := path.Join(s.stagingPrefix, "wordcount-"+s.newRunID(), "part-00000.json")
	stagedURI := GCSURI(s.stagingBucket, object)
	if err := s.staging.put(ctx, s.stagingBucket, object, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to stage rows to %s: %w", stagedURI, err)
	}
	logCtx.Info("Staged rows.", "stagedUri", stagedURI, "bytes", buf.Len())
	defer func() {
		if err := s.staging.remove(context.WithoutCancel(ctx), s.stagingBucket, object); err != nil {
			logCtx.Warn("Failed to remove staged rows", "error", err, "stagedUri", stagedURI)
		}
	}()

	if err := s.wh.loadFromGCS(ctx, ref, WordCountSchema, []string{stagedURI}); err != nil {
		return nil, fmt.Errorf("failed to load %s into %s: %w", stagedURI, ref, err)
	}
	logCtx.Info("Load job complete.", "rowsWritten", len(rows), "tableCreated", !existed)
	return summary, nil
}

type bqWarehouse struct {
	client *bigquery.Client
}

func (w *bqWarehouse) table(ref TableRef) *bigquery.Table {
	return w.client.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table)
}

func (w *bqWarehouse) tableExists(ctx context.Context, ref TableRef) (bool, error) {
	_, err := w.table(ref).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if hasHTTPCode(err, http.StatusNotFound) {
		return false, nil
	}
	return false, err
}

func (w *bqWarehouse) createTable(ctx context.Context, ref TableRef, schema bigquery.Schema) error {
	err := w.table(ref).Create(ctx, &bigquery.TableMetadata{Schema: schema})
	if err != nil && hasHTTPCode(err, http.StatusConflict) {
		// Another run created it first.
		return nil
	}
	return err
}

func (w *bqWarehouse) loadFromGCS(ctx context.Context, ref TableRef, schema bigquery.Schema, uris []string) error {
	gcsRef := bigquery.NewGCSReference(uris...)
	gcsRef.SourceFormat = bigquery.JSON
	gcsRef.Schema = schema

	loader := w.table(ref).LoaderFrom(gcsRef)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteAppend

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to start load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s failed: %w", job.ID(), err)
	}
	return nil
}

type gcsStaging struct {
	client *storage.Client
}

func (g *gcsStaging) put(ctx context.Context, bucket, object string, data []byte) error {
	return SaveToGCSAtomically(ctx, g.client.Bucket(bucket), object, bytes.NewReader(data))
}

func (g *gcsStaging) remove(ctx context.Context, bucket, object string) error {
	err := g.client.Bucket(bucket).Object(object).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func hasHTTPCode(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
