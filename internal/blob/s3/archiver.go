package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/outcomelab/settled/internal/domain"
)

// MarketArchiver implements domain.Archiver: it snapshots a settled market
// and all its records to a JSONL object before garbage collection erases
// them from the primary store.
//
// Deleting the archived rows is intentionally NOT done here; that is the
// garbage collector's explicit step, taken after the archive upload
// succeeded.
type MarketArchiver struct {
	writer    domain.BlobWriter
	markets   domain.MarketStore
	positions domain.PositionStore
	shares    domain.ShareStore
	votes     domain.VoteStore
}

// NewMarketArchiver creates a MarketArchiver reading from the given stores.
func NewMarketArchiver(
	writer domain.BlobWriter,
	markets domain.MarketStore,
	positions domain.PositionStore,
	shares domain.ShareStore,
	votes domain.VoteStore,
) *MarketArchiver {
	return &MarketArchiver{
		writer:    writer,
		markets:   markets,
		positions: positions,
		shares:    shares,
		votes:     votes,
	}
}

// archiveLine is one JSONL record: a tagged union over the market's record
// kinds so a single object holds the full snapshot.
type archiveLine struct {
	Kind     string               `json:"kind"`
	Market   *domain.Market       `json:"market,omitempty"`
	Position *domain.Position     `json:"position,omitempty"`
	Share    *domain.ShareBalance `json:"share,omitempty"`
	Vote     *domain.Vote         `json:"vote,omitempty"`
}

// ArchiveMarket uploads the market snapshot to archive/markets/{id}.jsonl
// and returns the object path.
func (a *MarketArchiver) ArchiveMarket(ctx context.Context, marketID uint64) (string, error) {
	m, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d: %w", marketID, err)
	}

	lines := []archiveLine{{Kind: "market", Market: &m}}

	positions, err := a.positions.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d positions: %w", marketID, err)
	}
	for i := range positions {
		lines = append(lines, archiveLine{Kind: "position", Position: &positions[i]})
	}

	shares, err := a.shares.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d shares: %w", marketID, err)
	}
	for i := range shares {
		lines = append(lines, archiveLine{Kind: "share", Share: &shares[i]})
	}

	votes, err := a.votes.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d votes: %w", marketID, err)
	}
	for i := range votes {
		lines = append(lines, archiveLine{Kind: "vote", Vote: &votes[i]})
	}

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d marshal: %w", marketID, err)
	}

	path := fmt.Sprintf("archive/markets/%d.jsonl", marketID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive market %d upload: %w", marketID, err)
	}
	return path, nil
}

// marshalJSONL serializes records as newline-delimited compact JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*MarketArchiver)(nil)
