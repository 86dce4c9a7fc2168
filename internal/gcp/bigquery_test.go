package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	schema bigquery.Schema
	rows   []models.WordCountRow
}

// fakeWarehouse loads staged newline-delimited JSON from fakeStaging.
type fakeWarehouse struct {
	staging *fakeStaging
	tables  map[string]*fakeTable
	loadErr error
	loads   int
}

func (w *fakeWarehouse) tableExists(_ context.Context, ref TableRef) (bool, error) {
	_, ok := w.tables[ref.String()]
	return ok, nil
}

func (w *fakeWarehouse) createTable(_ context.Context, ref TableRef, schema bigquery.Schema) error {
	w.tables[ref.String()] = &fakeTable{schema: schema}
	return nil
}

func (w *fakeWarehouse) loadFromGCS(_ context.Context, ref TableRef, schema bigquery.Schema, uris []string) error {
	w.loads++
	if w.loadErr != nil {
		return w.loadErr
	}
	var loaded []models.WordCountRow
	for _, uri := range uris {
		bucket, object, err := SplitGCSURI(uri)
		if err != nil {
			return err
		}
		data, ok := w.staging.objects[bucket+"/"+object]
		if !ok {
			return fmt.Errorf("%s not staged", uri)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var row models.WordCountRow
			if err := dec.Decode(&row); err != nil {
				return err
			}
			loaded = append(loaded, row)
		}
	}
	t, ok := w.tables[ref.String()]
	if !ok {
		t = &fakeTable{schema: schema}
		w.tables[ref.String()] = t
	}
	t.rows = append(t.rows, loaded...)
	return nil
}

type fakeStaging struct {
	objects map[string][]byte
	puts    []string
	putErr  error
}

func (s *fakeStaging) put(_ context.Context, bucket, object string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, bucket+"/"+object)
	s.objects[bucket+"/"+object] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStaging) remove(_ context.Context, bucket, object string) error {
	delete(s.objects, bucket+"/"+object)
	return nil
}

func newFakeSink(t *testing.T) (*BigQuerySink, *fakeWarehouse, *fakeStaging) {
	t.Helper()
	staging := &fakeStaging{objects: make(map[string][]byte)}
	wh := &fakeWarehouse{staging: staging, tables: make(map[string]*fakeTable)}
	sink, err := newBigQuerySink(wh, staging, "demo-temp/spark/", "demo")
	require.NoError(t, err)
	runs := 0
	sink.newRunID = func() string {
		runs++
		return fmt.Sprintf("run-%d", runs)
	}
	return sink, wh, staging
}

var foxRows = []models.WordCountRow{
	{Word: "fox", WordCount: 2, InputFile: "gs://books/fox.txt"},
	{Word: "lazy", WordCount: 1, InputFile: "gs://books/fox.txt"},
	{Word: "quick", WordCount: 1, InputFile: "gs://books/fox.txt"},
	{Word: "the", WordCount: 3, InputFile: "gs://books/fox.txt"},
}

// ============================================================================
// Identifiers
// ============================================================================

func TestParseTableID(t *testing.T) {
	tests := []struct {
		id   string
		want TableRef
	}{
		{"proj:ds.words", TableRef{"proj", "ds", "words"}},
		{"proj.ds.words", TableRef{"proj", "ds", "words"}},
		{"ds.words", TableRef{"demo", "ds", "words"}},
		{"example.com:proj:ds.words", TableRef{"example.com:proj", "ds", "words"}},
		{"example.com:proj.ds.words", TableRef{"example.com:proj", "ds", "words"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := ParseTableID(tt.id, "demo")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTableIDRejects(t *testing.T) {
	for _, id := range []string{"", "words", "proj:words", "a.b.c.d", "proj:ds.", "a:b:c:ds.words", ":ds.words"} {
		_, err := ParseTableID(id, "demo")
		assert.Error(t, err, id)
	}
	_, err := ParseTableID("ds.words", "")
	assert.Error(t, err, "no default project")
}

func TestParseStagingPath(t *testing.T) {
	bucket, prefix, err := ParseStagingPath("demo-temp/spark/")
	require.NoError(t, err)
	assert.Equal(t, "demo-temp", bucket)
	assert.Equal(t, "spark", prefix)

	bucket, prefix, err = ParseStagingPath("gs://demo-temp")
	require.NoError(t, err)
	assert.Equal(t, "demo-temp", bucket)
	assert.Empty(t, prefix)

	_, _, err = ParseStagingPath("/spark/")
	assert.Error(t, err)
}

func TestSchemaSummary(t *testing.T) {
	assert.Equal(t, []string{
		"root",
		" |-- word: string (nullable = true)",
		" |-- word_count: integer (nullable = true)",
		" |-- input_file: string (nullable = true)",
	}, SchemaSummary(WordCountSchema))
}

// ============================================================================
// Sink
// ============================================================================

func TestSinkCreatesThenAppends(t *testing.T) {
	sink, wh, staging := newFakeSink(t)
	ctx := context.Background()

	first, err := sink.Write(ctx, "demo:analytics.word_count", foxRows)
	require.NoError(t, err)
	assert.True(t, first.TableCreated)
	assert.Equal(t, "demo.analytics.word_count", first.Table)
	assert.Equal(t, 4, first.RowsWritten)

	table := wh.tables["demo.analytics.word_count"]
	require.NotNil(t, table)
	assert.Equal(t, WordCountSchema, table.schema)
	assert.Equal(t, foxRows, table.rows)

	second, err := sink.Write(ctx, "demo:analytics.word_count", foxRows)
	require.NoError(t, err)
	assert.False(t, second.TableCreated)
	assert.Len(t, table.rows, 8)

	assert.Equal(t, []string{
		"demo-temp/spark/wordcount-run-1/part-00000.json",
		"demo-temp/spark/wordcount-run-2/part-00000.json",
	}, staging.puts)
	assert.Empty(t, staging.objects, "staged files are removed")
}

func TestSinkEmptyRowsCreatesTable(t *testing.T) {
	sink, wh, staging := newFakeSink(t)

	summary, err := sink.Write(context.Background(), "analytics.word_count", nil)
	require.NoError(t, err)
	assert.True(t, summary.TableCreated)
	assert.Zero(t, summary.RowsWritten)

	table := wh.tables["demo.analytics.word_count"]
	require.NotNil(t, table)
	assert.Equal(t, WordCountSchema, table.schema)
	assert.Empty(t, table.rows)
	assert.Zero(t, wh.loads)
	assert.Empty(t, staging.puts)
}

func TestSinkLoadFailureCommitsNothing(t *testing.T) {
	sink, wh, staging := newFakeSink(t)
	wh.loadErr = errors.New("schema mismatch")

	_, err := sink.Write(context.Background(), "demo:analytics.word_count", foxRows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
	assert.Empty(t, wh.tables)
	assert.Empty(t, staging.objects)
}

func TestSinkStagingFailure(t *testing.T) {
	sink, wh, staging := newFakeSink(t)
	staging.putErr = ErrObjectExists

	_, err := sink.Write(context.Background(), "demo:analytics.word_count", foxRows)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObjectExists)
	assert.Zero(t, wh.loads)
}

func TestSinkBadTable(t *testing.T) {
	sink, _, _ := newFakeSink(t)
	_, err := sink.Write(context.Background(), "not-a-table", foxRows)
	assert.Error(t, err)
}
