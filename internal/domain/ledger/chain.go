package ledger

import (
	"fmt"

	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// BreakType categorizes a detected chain break.
type BreakType string

const (
	BreakTypeHashMismatch BreakType = "hash_mismatch"
	BreakTypeLinkMismatch BreakType = "link_mismatch"
	BreakTypeSequenceGap  BreakType = "sequence_gap"
	BreakTypeUnsealed     BreakType = "unsealed_event"
)

// ChainBreak describes one break found while walking an incident's chain.
type ChainBreak struct {
	Sequence    uint64    `json:"sequence"`
	Type        BreakType `json:"break_type"`
	Description string    `json:"description"`
}

// VerifyChain walks a contiguous event slice (ascending sequence, starting
// anywhere in the chain) and returns every break found. The caller supplies
// the expected previous hash for the first element; for a chain starting at
// sequence 1 that is the zero hash.
func VerifyChain(events []*Event, startPreviousHash string) []ChainBreak {
	var breaks []ChainBreak
	previousHash := startPreviousHash

	for i, e := range events {
		if !e.Sealed() {
			breaks = append(breaks, ChainBreak{
				Sequence:    e.Sequence,
				Type:        BreakTypeUnsealed,
				Description: "event has no integrity hash",
			})
			continue
		}

		if i > 0 {
			expected := events[i-1].Sequence + 1
			if e.Sequence != expected {
				breaks = append(breaks, ChainBreak{
					Sequence:    e.Sequence,
					Type:        BreakTypeSequenceGap,
					Description: fmt.Sprintf("expected sequence %d, got %d", expected, e.Sequence),
				})
				// The link check below would be noise after a gap
				previousHash = e.IntegrityHash
				continue
			}
		}

		if e.PreviousHash != previousHash {
			breaks = append(breaks, ChainBreak{
				Sequence:    e.Sequence,
				Type:        BreakTypeLinkMismatch,
				Description: "previous_hash does not match prior integrity_hash",
			})
		}

		recomputed, err := e.ComputeIntegrityHash()
		if err != nil || recomputed != e.IntegrityHash {
			breaks = append(breaks, ChainBreak{
				Sequence:    e.Sequence,
				Type:        BreakTypeHashMismatch,
				Description: "integrity hash does not match event content",
			})
		}

		previousHash = e.IntegrityHash
	}

	return breaks
}

// ChainIntact reports whether a full chain starting at sequence 1 is valid.
func ChainIntact(events []*Event) bool {
	if len(events) > 0 && events[0].Sequence != 1 {
		return false
	}
	return len(VerifyChain(events, crypto.ZeroHash)) == 0
}
