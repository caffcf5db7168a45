package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shiprace/internal/domain"
	"github.com/alanyoungcy/shiprace/internal/store/memory"
)

type memBlobs struct {
	objects map[string][]byte
	putErr  error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func TestArchiveProofWritesOnce(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	audit := memory.NewAuditStore()
	a := NewProofArchiver(blobs, blobs, audit)

	settled := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	winner := 1
	proof := domain.FairnessProof{RoundID: 42, SeedCommit: "c", SettledAt: &settled, WinningOutcome: &winner, OutcomeTotals: []int64{2, 3}}

	path, err := a.ArchiveProof(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, "proofs/2026-03/round-42.json", path)

	var got domain.FairnessProof
	require.NoError(t, json.Unmarshal(blobs.objects[path], &got))
	assert.Equal(t, int64(42), got.RoundID)
	assert.Equal(t, []int64{2, 3}, got.OutcomeTotals)

	blobs.putErr = errors.New("should not upload again")
	_, err = a.ArchiveProof(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive.proof"}, audit.Events())
}

func TestArchiveProofUploadError(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("denied")
	a := NewProofArchiver(blobs, nil, nil)
	_, err := a.ArchiveProof(context.Background(), domain.FairnessProof{RoundID: 1, EndsAtUnixMs: 0})
	assert.ErrorContains(t, err, "denied")
}

func TestClientKeyPrefix(t *testing.T) {
	c := &Client{bucket: "b", prefix: "env/prod"}
	assert.Equal(t, "env/prod/proofs/x.json", c.Key("/proofs/x.json"))
	assert.Equal(t, "proofs/x.json", (&Client{}).Key("proofs/x.json"))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
