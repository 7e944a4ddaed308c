package aggregation

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/bulk-export/internal/bluebutton"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

func newWriterBatch() *domain.JobQueueBatch {
	return &domain.JobQueueBatch{BatchID: "batch-1", JobID: "job-1"}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestResourceWriter_RollsOver(t *testing.T) {
	dir := t.TempDir()
	batch := newWriterBatch()
	sink := &recordingSink{}
	w := newResourceWriter(batch, domain.ResourceCoverage, writerOptions{exportPath: dir, resourcesPerFile: 2, sink: sink})

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, records(domain.ResourceCoverage, "c", 5)))
	require.NoError(t, w.Close(ctx))

	require.Len(t, batch.Files, 3)
	for i, want := range []int{2, 2, 1} {
		f := batch.Files[i]
		assert.Equal(t, i, f.Sequence)
		assert.Equal(t, want, f.Count)
		assert.Equal(t, domain.FormOutputFileName("batch-1", domain.ResourceCoverage, i), f.FileName)

		data, err := os.ReadFile(OutputPath(dir, f.FileName))
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, sum[:], f.Checksum)
		assert.Equal(t, int64(len(data)), f.FileLength)
		assert.Len(t, readLines(t, OutputPath(dir, f.FileName)), want)
	}
	assert.Len(t, sink.uploads, 3)
	assert.Equal(t, "batch-1-0.coverage.ndjson", sink.uploads[0].name)
}

func TestResourceWriter_CompactsIndentedRecords(t *testing.T) {
	indented := `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {
      "resourceType": "Coverage",
      "id": "c-1",
      "status": "active"
    }},
    {"resource": {
      "resourceType": "Coverage",
      "id": "c-2"
    }}
  ]
}`
	var b bluebutton.Bundle
	require.NoError(t, json.Unmarshal([]byte(indented), &b))

	dir := t.TempDir()
	batch := newWriterBatch()
	w := newResourceWriter(batch, domain.ResourceCoverage, writerOptions{exportPath: dir, resourcesPerFile: 10})
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, b.Resources()))
	require.NoError(t, w.Close(ctx))

	require.Len(t, batch.Files, 1)
	assert.Equal(t, 2, batch.Files[0].Count)
	lines := readLines(t, OutputPath(dir, batch.Files[0].FileName))
	require.Len(t, lines, 2)
	assert.Equal(t, `{"resourceType":"Coverage","id":"c-1","status":"active"}`, lines[0])
	assert.Equal(t, `{"resourceType":"Coverage","id":"c-2"}`, lines[1])
}

func TestResourceWriter_RejectsInvalidRecord(t *testing.T) {
	w := newResourceWriter(newWriterBatch(), domain.ResourceCoverage, writerOptions{exportPath: t.TempDir(), resourcesPerFile: 10})
	defer w.abort()

	err := w.Write(context.Background(), []json.RawMessage{json.RawMessage(`{"resourceType":`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid Coverage record")
}

func TestResourceWriter_CheckpointReportsDeltas(t *testing.T) {
	dir := t.TempDir()
	batch := newWriterBatch()
	w := newResourceWriter(batch, domain.ResourceCoverage, writerOptions{exportPath: dir, resourcesPerFile: 10})
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, records(domain.ResourceCoverage, "a", 3)))
	require.NoError(t, w.Checkpoint())
	require.NoError(t, w.Checkpoint())
	require.Len(t, batch.Files, 1)
	assert.Equal(t, 3, batch.Files[0].Count)

	require.NoError(t, w.Write(ctx, records(domain.ResourceCoverage, "b", 2)))
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, 5, batch.Files[0].Count)
}

func TestResourceWriter_ResumesAcrossLeases(t *testing.T) {
	dir := t.TempDir()
	batch := newWriterBatch()
	opts := writerOptions{exportPath: dir, resourcesPerFile: 5}
	ctx := context.Background()

	first := newResourceWriter(batch, domain.ResourceCoverage, opts)
	require.NoError(t, first.Write(ctx, records(domain.ResourceCoverage, "a", 3)))
	require.NoError(t, first.Checkpoint())
	// written after the checkpoint, then lost with the lease
	require.NoError(t, first.Write(ctx, []json.RawMessage{record(domain.ResourceCoverage, "lost")}))
	require.NoError(t, first.buf.Flush())
	first.abort()

	second := newResourceWriter(batch, domain.ResourceCoverage, opts)
	require.NoError(t, second.Write(ctx, records(domain.ResourceCoverage, "b", 3)))
	require.NoError(t, second.Close(ctx))

	require.Len(t, batch.Files, 2)
	assert.Equal(t, 5, batch.Files[0].Count)
	assert.Equal(t, 1, batch.Files[1].Count)

	lines := readLines(t, OutputPath(dir, batch.Files[0].FileName))
	require.Len(t, lines, 5)
	assert.NotContains(t, strings.Join(lines, ""), "lost")

	data, err := os.ReadFile(OutputPath(dir, batch.Files[0].FileName))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, sum[:], batch.Files[0].Checksum)
}

func TestResourceWriter_ClosesResumedFileWithoutNewRecords(t *testing.T) {
	dir := t.TempDir()
	batch := newWriterBatch()
	sink := &recordingSink{}
	opts := writerOptions{exportPath: dir, resourcesPerFile: 10, sink: sink}
	ctx := context.Background()

	first := newResourceWriter(batch, domain.ResourceCoverage, opts)
	require.NoError(t, first.Write(ctx, records(domain.ResourceCoverage, "a", 2)))
	require.NoError(t, first.Checkpoint())
	first.abort()
	assert.Empty(t, sink.uploads)

	second := newResourceWriter(batch, domain.ResourceCoverage, opts)
	require.NoError(t, second.Close(ctx))
	require.Len(t, sink.uploads, 1)
	assert.Equal(t, 2, batch.Files[0].Count)
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestResourceWriter_Encrypts(t *testing.T) {
	dir := t.TempDir()
	batch := newWriterBatch()
	private, publicPEM := generateKey(t)
	sink := &recordingSink{}
	w := newResourceWriter(batch, domain.ResourceCoverage, writerOptions{
		exportPath:       dir,
		resourcesPerFile: 10,
		encryptionKey:    publicPEM,
		sink:             sink,
	})

	ctx := context.Background()
	recs := records(domain.ResourceCoverage, "c", 2)
	require.NoError(t, w.Write(ctx, recs))
	require.NoError(t, w.Close(ctx))

	name := batch.Files[0].FileName
	_, err := os.Stat(OutputPath(dir, name))
	assert.True(t, os.IsNotExist(err), "plain file removed")

	sealed, err := os.ReadFile(EncryptedOutputPath(dir, name))
	require.NoError(t, err)
	sum := sha256.Sum256(sealed)
	assert.Equal(t, sum[:], batch.Files[0].Checksum)
	assert.Equal(t, int64(len(sealed)), batch.Files[0].FileLength)

	rawMeta, err := os.ReadFile(MetadataPath(dir, name))
	require.NoError(t, err)
	var meta encryptionMetadata
	require.NoError(t, json.Unmarshal(rawMeta, &meta))
	assert.Equal(t, symmetricCipherName, meta.SymmetricProperties.Cipher)
	assert.Equal(t, gcmTagBits, meta.SymmetricProperties.TagLength)

	wrapped, err := base64.StdEncoding.DecodeString(meta.SymmetricProperties.EncryptedKey)
	require.NoError(t, err)
	fileKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, private, wrapped, nil)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(meta.SymmetricProperties.InitializationVector)
	require.NoError(t, err)

	block, err := aes.NewCipher(fileKey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, string(recs[0])+"\n"+string(recs[1])+"\n", string(plain))

	require.Len(t, sink.uploads, 2)
	assert.Equal(t, name+".ndjson.enc", sink.uploads[0].name)
	assert.Equal(t, name+"-metadata.json", sink.uploads[1].name)
}

func TestParsePublicKey_Rejects(t *testing.T) {
	_, _, err := parsePublicKey("not pem")
	assert.Error(t, err)

	_, _, err = parsePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("x")})))
	assert.ErrorContains(t, err, "unsupported encryption key type")
}
