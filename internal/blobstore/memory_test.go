package blobstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		filename string
		want     string
	}{
		{"sample input", SamplePrefix("42"), "reads_R1.fastq.gz", "tok/input/Sample_42/reads_R1.fastq.gz"},
		{"output", OutputPrefix, "multiqc_report.html", "tok/output/multiqc_report.html"},
		{"run root", "", SamplesheetFilename, "tok/samplesheet.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key("tok", tt.prefix, tt.filename))
		})
	}

	assert.Equal(t, "tok/", RunPrefix("tok"))
	assert.Equal(t, "a.fq", BaseName("x/y/a.fq"))
	assert.Equal(t, "a.fq", BaseName("a.fq"))
	assert.Equal(t, "outputs/exec-1/multiqc/report.html", DurableOutputKey("exec-1", "multiqc/report.html"))
}

func TestIsRunKey(t *testing.T) {
	dir := NewRunDirectory()
	assert.True(t, IsRunKey(dir+"/input/Sample_S1/a.fq"))
	assert.True(t, IsRunKey("/"+dir+"/samplesheet.csv"))
	assert.False(t, IsRunKey(dir), "the directory itself holds no blob")
	assert.False(t, IsRunKey("attachments/a.fq"))
	assert.False(t, IsRunKey("0123456789ABCDEF0123456789ABCDEF/a.fq"))
	assert.False(t, IsRunKey(dir+"0/a.fq"))
	assert.False(t, IsRunKey("outputs/exec-1/report.html"))
}

func TestNewRunDirectory(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		dir := NewRunDirectory()
		assert.Len(t, dir, 32)
		assert.NotContains(t, dir, "-")
		assert.False(t, seen[dir])
		seen[dir] = true
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("Upload And Download", func(t *testing.T) {
		require.NoError(t, store.Upload(ctx, "a/b.txt", bytes.NewReader([]byte("hello")), 5, "text/plain"))
		data, err := store.Download(ctx, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("Download Missing", func(t *testing.T) {
		_, err := store.Download(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Copy", func(t *testing.T) {
		require.NoError(t, store.Copy(ctx, "a/b.txt", "c/d.txt"))
		data, err := store.Download(ctx, "c/d.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		err = store.Copy(ctx, "missing", "x")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Delete Missing Is Success", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "never-existed"))
	})

	t.Run("Canceled Context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, store.Delete(canceled, "a/b.txt"))
		_, err := store.List(canceled, "a/")
		assert.Error(t, err)
	})
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("run1/samplesheet.csv", []byte("x"))
	store.Put("run1/input/Sample_1/a.fq", []byte("x"))
	store.Put("run1/output/report.html", []byte("x"))
	store.Put("run10/samplesheet.csv", []byte("keep"))
	store.Put("other/file", []byte("keep"))

	deleted, err := DeletePrefix(ctx, store, RunPrefix("run1"))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 2, store.Len())

	_, err = store.Download(ctx, "run10/samplesheet.csv")
	assert.NoError(t, err)

	deleted, err = DeletePrefix(ctx, store, RunPrefix("run1"))
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, err = DeletePrefix(ctx, store, "")
	assert.Error(t, err)
	assert.Equal(t, 2, store.Len())
}
