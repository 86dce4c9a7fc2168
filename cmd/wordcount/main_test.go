package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/Lllllllleong/wordcountflow/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	got services.JobConfig
	err error
}

func (r *fakeRunner) Run(_ context.Context, cfg services.JobConfig) (*models.WriteSummary, error) {
	r.got = cfg
	if r.err != nil {
		return nil, r.err
	}
	return &models.WriteSummary{
		Table:        "demo.analytics.word_count",
		RowsWritten:  4,
		TableCreated: true,
		Schema:       []string{"root", " |-- word: string (nullable = true)"},
	}, nil
}

func runCmd(t *testing.T, runner *fakeRunner, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(context.Context, services.JobConfig) (jobRunner, error) {
		return runner, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmdPassesFlags(t *testing.T) {
	runner := &fakeRunner{}
	out, err := runCmd(t, runner,
		"--input_expression=gs://books/fox.txt",
		"--output_table=demo:analytics.word_count",
		"--temp_bucket=demo-temp/spark/",
		"--parallelism=2",
	)
	require.NoError(t, err)

	assert.Equal(t, "gs://books/fox.txt", runner.got.InputExpression)
	assert.Equal(t, "demo:analytics.word_count", runner.got.OutputTable)
	assert.Equal(t, "demo-temp/spark/", runner.got.TempBucket)
	assert.Equal(t, 2, runner.got.Parallelism)
	assert.Contains(t, out, "wrote 4 rows to demo.analytics.word_count")
	assert.Contains(t, out, " |-- word: string")
}

func TestRootCmdRequiresFlags(t *testing.T) {
	tests := [][]string{
		{"--output_table=d.t", "--temp_bucket=b/"},
		{"--input_expression=gs://b/o", "--temp_bucket=b/"},
		{"--input_expression=gs://b/o", "--output_table=d.t"},
		{"--input_expression=", "--output_table=d.t", "--temp_bucket=b/"},
	}
	for _, args := range tests {
		runner := &fakeRunner{}
		_, err := runCmd(t, runner, args...)
		assert.Error(t, err, args)
		assert.Equal(t, services.JobConfig{}, runner.got, "job must not run for %v", args)
	}
}

func TestRootCmdJobFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("load job failed")}
	_, err := runCmd(t, runner,
		"--input_expression=gs://books/fox.txt",
		"--output_table=demo:analytics.word_count",
		"--temp_bucket=demo-temp/spark/",
	)
	assert.ErrorContains(t, err, "load job failed")
}
