package planner

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mateoortiz/portguardd/internal/registry"
)

// Placement selects how a fresh range is positioned relative to the
// registry's existing ranges.
type Placement string

const (
	PlacementAfter Placement = "after"
	PlacementBefore Placement = "before"
	PlacementSmart Placement = "smart"
)

// ChunkRule overrides the default chunk size for service-type names
// matching Pattern, a filepath.Match-style glob.
type ChunkRule struct {
	Pattern string
	ChunkSize int
}

// chunkSizeFor returns the configured chunk size for name, honoring the
// first matching glob rule, or the default if none match.
func chunkSizeFor(name string, defaultChunk int, rules []ChunkRule) int {
	for _, rule := range rules {
		if ok, _ := filepath.Match(rule.Pattern, name); ok {
			return rule.ChunkSize
		}
	}
	return defaultChunk
}

// placeRange computes a fresh, collision-free [lo, hi] of size chunk
// among existing, honoring the configured placement policy.
func placeRange(policy Placement, name string, chunk, gap int, preserveGaps bool, minPort, maxPort int, existing []registry.NamedRange) (int, int, error) {
	switch policy {
	case PlacementAfter:
		return placeAfter(chunk, gap, preserveGaps, maxPort, existing)
	case PlacementBefore:
		return placeBefore(chunk, gap, preserveGaps, minPort, existing)
	case PlacementSmart:
		return placeSmart(name, chunk, gap, preserveGaps, minPort, maxPort, existing)
	default:
		return 0, 0, fmt.Errorf("planner: unknown placement policy %q", policy)
	}
}

func placeAfter(chunk, gap int, preserveGaps bool, maxPort int, existing []registry.NamedRange) (int, int, error) {
	highest := 0
	for _, r := range existing {
		if r.High > highest {
			highest = r.High
		}
	}

	lo := highest + 1
	if preserveGaps {
		lo = highest + gap + 1
	}
	hi := lo + chunk - 1
	if hi > maxPort {
		return 0, 0, fmt.Errorf("planner: after-placement would exceed max_port %d (got [%d,%d])", maxPort, lo, hi)
	}
	return lo, hi, nil
}

func placeBefore(chunk, gap int, preserveGaps bool, minPort int, existing []registry.NamedRange) (int, int, error) {
	lowest := 1 << 30
	for _, r := range existing {
		if r.Low < lowest {
			lowest = r.Low
		}
	}
	if lowest == 1<<30 {
		lowest = minPort
	}

	hi := lowest - 1
	if preserveGaps {
		hi = lowest - gap - 1
	}
	lo := hi - chunk + 1
	if lo < minPort {
		return 0, 0, fmt.Errorf("planner: before-placement would fall below min_port %d (got [%d,%d])", minPort, lo, hi)
	}
	return lo, hi, nil
}

// placeSmart tries, in order: a gap between two existing ranges big
// enough for chunk plus gap on each side, lowest-first; then a slot
// adjacent to a same-category range; then falls back to after-placement.
// With no existing ranges at all, it places the range gap ports above
// minPort.
func placeSmart(name string, chunk, gap int, preserveGaps bool, minPort, maxPort int, existing []registry.NamedRange) (int, int, error) {
	needed := chunk + 2*gap

	sorted := make([]registry.NamedRange, len(existing))
	copy(sorted, existing)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	cursor := minPort
	for i, r := range sorted {
		if i > 0 && r.Low-cursor >= needed {
			lo := cursor + gap
			hi := lo + chunk - 1
			if lo >= minPort && hi <= maxPort {
				return lo, hi, nil
			}
		}
		if r.High+1 > cursor {
			cursor = r.High + 1
		}
	}
	if len(sorted) == 0 && maxPort-cursor+1 >= needed {
		lo := cursor + gap
		hi := lo + chunk - 1
		if lo >= minPort && hi <= maxPort {
			return lo, hi, nil
		}
	}

	if category := categoryOf(name); category != "" {
		var categoryRanges []registry.NamedRange
		for _, r := range sorted {
			if categoryOf(r.Name) == category {
				categoryRanges = append(categoryRanges, r)
			}
		}
		if len(categoryRanges) > 0 {
			highest := categoryRanges[0]
			for _, r := range categoryRanges {
				if r.High > highest.High {
					highest = r
				}
			}
			lo := highest.High + gap + 1
			hi := lo + chunk - 1
			if hi <= maxPort && !collides(lo, hi, sorted) {
				return lo, hi, nil
			}
		}
	}

	return placeAfter(chunk, gap, preserveGaps, maxPort, existing)
}

// categoryOf derives a coarse category from a service-type name by
// splitting on '-', so "smart" placement can group related service
// types (e.g. "api-gateway" and "api-worker") near each other.
func categoryOf(name string) string {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func collides(lo, hi int, ranges []registry.NamedRange) bool {
	for _, r := range ranges {
		if lo <= r.High && hi >= r.Low {
			return true
		}
	}
	return false
}
