// Package diff computes change-sets between prefix snapshots. It is pure:
// no state, no I/O, and nil inputs are treated as empty sets.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"irrwatch/pkg/model"
)

// Compute returns the change-set between current and previous. A nil
// previous means first observation: everything in current is "added" and
// nothing is "removed". Comparison is content-based, so diffing a snapshot
// against one with identical content yields no changes regardless of ids.
func Compute(current *model.Snapshot, previous *model.Snapshot) *model.Diff {
	result := &model.Diff{
		Target:        current.Target,
		NewSnapshotID: current.ID,
	}

	currentV4 := toSet(current.IPv4Prefixes)
	currentV6 := toSet(current.IPv6Prefixes)

	if previous == nil {
		result.AddedV4 = sortedKeys(currentV4)
		result.AddedV6 = sortedKeys(currentV6)
		result.RemovedV4 = []string{}
		result.RemovedV6 = []string{}
	} else {
		result.OldSnapshotID = previous.ID
		previousV4 := toSet(previous.IPv4Prefixes)
		previousV6 := toSet(previous.IPv6Prefixes)

		result.AddedV4 = subtract(currentV4, previousV4)
		result.RemovedV4 = subtract(previousV4, currentV4)
		result.AddedV6 = subtract(currentV6, previousV6)
		result.RemovedV6 = subtract(previousV6, currentV6)
	}

	result.HasChanges = len(result.AddedV4) > 0 || len(result.RemovedV4) > 0 ||
		len(result.AddedV6) > 0 || len(result.RemovedV6) > 0

	result.DiffHash = ComputeHash(result.Target, result.AddedV4, result.RemovedV4, result.AddedV6, result.RemovedV6)

	return result
}

// ComputeHash returns the SHA-256 over the canonical serialization of a
// change-set. Lists are sorted before hashing, so the hash is invariant
// under input ordering: two independently computed diffs of the same
// logical change-set always produce the same hash. That property is what
// the submission ledger's idempotency depends on.
func ComputeHash(target string, addedV4, removedV4, addedV6, removedV6 []string) string {
	payload := struct {
		Target    string   `json:"target"`
		AddedV4   []string `json:"added_v4"`
		RemovedV4 []string `json:"removed_v4"`
		AddedV6   []string `json:"added_v6"`
		RemovedV6 []string `json:"removed_v6"`
	}{
		Target:    target,
		AddedV4:   sortedNonNil(addedV4),
		RemovedV4: sortedNonNil(removedV4),
		AddedV6:   sortedNonNil(addedV6),
		RemovedV6: sortedNonNil(removedV6),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func toSet(prefixes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		set[p] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// subtract returns sorted members of a that are not in b.
func subtract(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedNonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Summary returns a one-line description of a change-set.
func Summary(d *model.Diff) string {
	var parts []string
	if n := len(d.AddedV4); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added IPv4", n))
	}
	if n := len(d.RemovedV4); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed IPv4", n))
	}
	if n := len(d.AddedV6); n > 0 {
		parts = append(parts, fmt.Sprintf("%d added IPv6", n))
	}
	if n := len(d.RemovedV6); n > 0 {
		parts = append(parts, fmt.Sprintf("%d removed IPv6", n))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("No changes detected for %s", d.Target)
	}
	return fmt.Sprintf("Detected %s prefixes for %s", strings.Join(parts, ", "), d.Target)
}

const maxListed = 10

// FormatHuman renders a change-set for terminal output, listing at most
// ten prefixes per section.
func FormatHuman(d *model.Diff) string {
	lines := []string{fmt.Sprintf("Changes for %s:", d.Target)}

	if !d.HasChanges {
		lines = append(lines, "  No changes detected")
		return strings.Join(lines, "\n")
	}

	lines = appendSection(lines, "Added IPv4", "+", d.AddedV4)
	lines = appendSection(lines, "Removed IPv4", "-", d.RemovedV4)
	lines = appendSection(lines, "Added IPv6", "+", d.AddedV6)
	lines = appendSection(lines, "Removed IPv6", "-", d.RemovedV6)

	return strings.Join(lines, "\n")
}

func appendSection(lines []string, label, sign string, prefixes []string) []string {
	if len(prefixes) == 0 {
		return lines
	}

	lines = append(lines, fmt.Sprintf("  %s (%d):", label, len(prefixes)))
	for i, p := range prefixes {
		if i == maxListed {
			lines = append(lines, fmt.Sprintf("    ... and %d more", len(prefixes)-maxListed))
			break
		}
		lines = append(lines, fmt.Sprintf("    %s %s", sign, p))
	}
	return lines
}
