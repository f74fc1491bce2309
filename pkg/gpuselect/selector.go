// Package gpuselect filters and orders GPU catalog offers against a
// VRAM floor, a cost ceiling and a cloud tier.
package gpuselect

import (
	"fmt"
	"sort"

	"github.com/lorelai/podlink/pkg/runpod"
)

// Constraints describes what the caller is willing to rent
type Constraints struct {
	MinVRAMGB      int
	MaxCostPerHour float64
	Cloud          runpod.CloudType
	Spot           bool
}

// Candidate is an offer that passed every filter, resolved to one price
type Candidate struct {
	GPUTypeID   string
	DisplayName string
	GPUCount    int
	CostPerHour float64
	MemoryGB    int
}

// Reason explains why no candidate survived
type Reason int

const (
	ReasonNoTier Reason = iota
	ReasonVRAM
	ReasonCost
)

// NoCandidateError is returned when every offer was filtered out
type NoCandidateError struct {
	Reason      Reason
	Constraints Constraints
	// BestVRAMGB is the largest memory size available in the tier (ReasonVRAM only)
	BestVRAMGB int
}

func (e *NoCandidateError) Error() string {
	switch e.Reason {
	case ReasonNoTier:
		return fmt.Sprintf("no GPUs available in %s cloud", e.Constraints.Cloud)
	case ReasonVRAM:
		return fmt.Sprintf("no GPUs with %dGB VRAM, max available: %dGB", e.Constraints.MinVRAMGB, e.BestVRAMGB)
	default:
		return fmt.Sprintf("no GPUs under $%.2f/hour, try increasing MAX_COST_PER_HOUR", e.Constraints.MaxCostPerHour)
	}
}

// Candidates returns every offer satisfying c, cheapest first. Equal prices
// keep catalog order. This is the list the orchestrator walks when the
// cheapest GPU has no capacity.
func Candidates(offers []runpod.GPUOffer, c Constraints) ([]Candidate, error) {
	var candidates []Candidate
	for _, offer := range offers {
		if cand, ok := resolve(offer, c); ok {
			candidates = append(candidates, cand)
		}
	}

	if len(candidates) == 0 {
		return nil, diagnose(offers, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CostPerHour < candidates[j].CostPerHour
	})
	return candidates, nil
}

// Best returns only the cheapest candidate
func Best(offers []runpod.GPUOffer, c Constraints) (Candidate, error) {
	candidates, err := Candidates(offers, c)
	if err != nil {
		return Candidate{}, err
	}
	return candidates[0], nil
}

func resolve(offer runpod.GPUOffer, c Constraints) (Candidate, bool) {
	if !offer.Supports(c.Cloud) {
		return Candidate{}, false
	}
	if offer.MemoryInGB < c.MinVRAMGB {
		return Candidate{}, false
	}
	price := offer.Price(c.Cloud, c.Spot)
	if price == nil || *price > c.MaxCostPerHour {
		return Candidate{}, false
	}
	return Candidate{
		GPUTypeID:   offer.ID,
		DisplayName: offer.DisplayName,
		GPUCount:    1,
		CostPerHour: *price,
		MemoryGB:    offer.MemoryInGB,
	}, true
}

func diagnose(offers []runpod.GPUOffer, c Constraints) error {
	inTier := 0
	bestVRAM := 0
	meetsVRAM := false
	for _, offer := range offers {
		if !offer.Supports(c.Cloud) {
			continue
		}
		inTier++
		if offer.MemoryInGB > bestVRAM {
			bestVRAM = offer.MemoryInGB
		}
		if offer.MemoryInGB >= c.MinVRAMGB {
			meetsVRAM = true
		}
	}

	switch {
	case inTier == 0:
		return &NoCandidateError{Reason: ReasonNoTier, Constraints: c}
	case !meetsVRAM:
		return &NoCandidateError{Reason: ReasonVRAM, Constraints: c, BestVRAMGB: bestVRAM}
	default:
		return &NoCandidateError{Reason: ReasonCost, Constraints: c}
	}
}

// Table returns display rows (GPU, VRAM, price, cloud) for at most limit
// candidates. No match yields no rows.
func Table(offers []runpod.GPUOffer, c Constraints, limit int) [][]string {
	candidates, err := Candidates(offers, c)
	if err != nil {
		return nil
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	rows := make([][]string, 0, len(candidates))
	for _, cand := range candidates {
		cloud := string(c.Cloud)
		if c.Spot {
			cloud += " (spot)"
		}
		rows = append(rows, []string{
			cand.DisplayName,
			fmt.Sprintf("%dGB", cand.MemoryGB),
			fmt.Sprintf("$%.3f", cand.CostPerHour),
			cloud,
		})
	}
	return rows
}
