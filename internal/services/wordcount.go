package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/wordcountflow/internal/gcp"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultParallelism = 8
	// showRows is how many rows are logged after a run.
	showRows = 20
)

// JobConfig holds the command-line parameters of one word-count run.
type JobConfig struct {
	InputExpression string
	OutputTable     string
	TempBucket      string
	ProjectID       string
	Parallelism     int
}

// Validate reports the first missing required parameter by flag name.
func (c *JobConfig) Validate() error {
	switch {
	case c.InputExpression == "":
		return fmt.Errorf("%w: --input_expression is required", ErrConfig)
	case c.OutputTable == "":
		return fmt.Errorf("%w: --output_table is required", ErrConfig)
	case c.TempBucket == "":
		return fmt.Errorf("%w: --temp_bucket is required", ErrConfig)
	}
	return nil
}

// InputSource expands input expressions and opens the objects they name.
type InputSource interface {
	Resolve(ctx context.Context, expr string) ([]string, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// TableSink appends rows to a destination table, creating it if needed.
type TableSink interface {
	Write(ctx context.Context, table string, rows []models.WordCountRow) (*models.WriteSummary, error)
}

// WordCountJob counts words in an input expression and writes them to a table.
type WordCountJob struct {
	source InputSource
	sink   TableSink
}

// NewWordCountJob wires a job from a source and a sink.
func NewWordCountJob(source InputSource, sink TableSink) *WordCountJob {
	return &WordCountJob{source: source, sink: sink}
}

// NewGCSWordCountJob builds a job reading GCS and writing BigQuery.
func NewGCSWordCountJob(ctx context.Context, cfg JobConfig) (*WordCountJob, error) {
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	bqProject := cfg.ProjectID
	if bqProject == "" {
		// Billing project for the load job when the table id names its own project.
		if ref, err := gcp.ParseTableID(cfg.OutputTable, ""); err == nil {
			bqProject = ref.Project
		}
	}
	if bqProject == "" {
		return nil, fmt.Errorf("%w: --project is required when --output_table has no project", ErrConfig)
	}
	bqClient, err := bigquery.NewClient(ctx, bqProject)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	sink, err := gcp.NewBigQuerySink(bqClient, storageClient, cfg.TempBucket, bqProject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return NewWordCountJob(gcp.NewGCSSource(storageClient), sink), nil
}

// Run reads every object of the input expression, counts words across all of
// them and appends one row per distinct word to the output table.
func (j *WordCountJob) Run(ctx context.Context, cfg JobConfig) (*models.WriteSummary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logCtx := slog.With("inputExpression", cfg.InputExpression, "outputTable", cfg.OutputTable)
	logCtx.Info("Starting word count.")

	uris, err := j.source.Resolve(ctx, cfg.InputExpression)
	if err != nil {
		logCtx.Error("Failed to resolve input", "error", err)
		return nil, fmt.Errorf("failed to resolve input %s: %w", cfg.InputExpression, err)
	}
	logCtx.Info("Resolved input objects.", "objectCount", len(uris))

	counts, err := j.countAll(ctx, uris, cfg.Parallelism)
	if err != nil {
		logCtx.Error("Failed to read input", "error", err)
		return nil, err
	}

	rows := BuildRows(counts, cfg.InputExpression)
	logRows(logCtx, rows)

	summary, err := j.sink.Write(ctx, cfg.OutputTable, rows)
	if err != nil {
		logCtx.Error("Failed to write output table", "error", err)
		return nil, fmt.Errorf("failed to write %s: %w", cfg.OutputTable, err)
	}
	logCtx.Info("Word count complete.",
		"rowsWritten", summary.RowsWritten,
		"tableCreated", summary.TableCreated,
		"schema", strings.Join(summary.Schema, "\n"),
	)
	return summary, nil
}

// countAll counts each object concurrently and merges the partial counts.
func (j *WordCountJob) countAll(ctx context.Context, uris []string, parallelism int) (map[string]int64, error) {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)

	var mu sync.Mutex
	total := make(map[string]int64)

	for _, uri := range uris {
		uri := uri
		eg.Go(func() error {
			partial, err := j.countObject(gctx, uri)
			if err != nil {
				return err
			}
			mu.Lock()
			MergeCounts(total, partial)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return total, nil
}

func (j *WordCountJob) countObject(ctx context.Context, uri string) (map[string]int64, error) {
	reader, err := j.source.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	counts, err := CountWords(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return counts, nil
}

// Tokenize splits a line on Unicode whitespace and the ASCII information
// separators U+001C..U+001F. Tokens keep their case and punctuation.
func Tokenize(line string) []string {
	return strings.FieldsFunc(line, isWordSeparator)
}

func isWordSeparator(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

// CountWords counts the tokens of every line in r. Invalid UTF-8 sequences are
// replaced with U+FFFD before tokenizing, so every counted word is valid text.
func CountWords(r io.Reader) (map[string]int64, error) {
	counts := make(map[string]int64)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		for _, word := range Tokenize(strings.ToValidUTF8(line, "\uFFFD")) {
			counts[word]++
		}
		if err == io.EOF {
			return counts, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// MergeCounts adds src into dst.
func MergeCounts(dst, src map[string]int64) {
	for word, n := range src {
		dst[word] += n
	}
}

// BuildRows turns counts into table rows annotated with the input expression.
// Rows are sorted by word.
func BuildRows(counts map[string]int64, inputExpression string) []models.WordCountRow {
	rows := make([]models.WordCountRow, 0, len(counts))
	for word, n := range counts {
		rows = append(rows, models.WordCountRow{Word: word, WordCount: n, InputFile: inputExpression})
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].Word < rows[b].Word })
	return rows
}

func logRows(logCtx *slog.Logger, rows []models.WordCountRow) {
	shown := rows
	if len(shown) > showRows {
		shown = shown[:showRows]
	}
	for _, row := range shown {
		logCtx.Info("Row.", "word", row.Word, "word_count", row.WordCount, "input_file", row.InputFile)
	}
	logCtx.Info("Aggregated rows.", "distinctWords", len(rows), "shown", len(shown))
}
