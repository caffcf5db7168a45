package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/shiprace/internal/domain"
)

// ProofArchiver implements domain.ProofArchiver. Each settled round gets one
// immutable JSON document; archiving the same round twice is a no-op.
type ProofArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
}

// NewProofArchiver creates a ProofArchiver. reader and audit may be nil.
func NewProofArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *ProofArchiver {
	return &ProofArchiver{writer: writer, reader: reader, audit: audit}
}

// ArchiveProof uploads proof and returns its object path.
func (a *ProofArchiver) ArchiveProof(ctx context.Context, proof domain.FairnessProof) (string, error) {
	path := ProofPath(proof)

	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive proof %d: %w", proof.RoundID, err)
		}
		if exists {
			return path, nil
		}
	}

	buf, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive proof %d marshal: %w", proof.RoundID, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive proof %d upload: %w", proof.RoundID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.proof", map[string]any{
			"round_id": proof.RoundID,
			"path":     path,
			"bytes":    len(buf),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive proof %d audit log: %w", proof.RoundID, err)
		}
	}
	return path, nil
}

// ProofPath partitions proofs by the month the round settled:
//
//	proofs/2026-01/round-42.json
func ProofPath(proof domain.FairnessProof) string {
	at := time.UnixMilli(proof.EndsAtUnixMs).UTC()
	if proof.SettledAt != nil {
		at = proof.SettledAt.UTC()
	}
	return fmt.Sprintf("proofs/%s/round-%d.json", at.Format("2006-01"), proof.RoundID)
}

var _ domain.ProofArchiver = (*ProofArchiver)(nil)
