package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openretail/storesync/internal/models"
)

// Version is one side of a potential conflict
type Version struct {
	Payload   []byte
	Version   int64
	Timestamp time.Time
}

// Base identifies the last common version both sides agreed on. An empty
// hash means the entity was never synced.
type Base struct {
	Hash    string
	Version int64
}

// Outcome is the resolver's decision for one entity
type Outcome struct {
	// NoConflict is set when the divergence resolved without a real conflict:
	// identical payloads or a one-sided update.
	NoConflict bool

	Winner               Winner
	Payload              []byte
	Resolution           ResolutionType
	RequiresManualReview bool
	// Suggested carries the rule's policy when manual review was mandated,
	// shown to the reviewer rather than auto-applied.
	Suggested   ResolutionType
	AppliedRule string
	Reason      string
}

// Resolver is the pure decision component: given the rule table and two
// versions of an entity it picks a winner or flags for manual review. It
// touches no storage.
type Resolver struct{}

// NewResolver creates a resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve decides between a local and a remote version of one entity.
// forceReview is the per-store entity rule's flag-for-review override.
func (r *Resolver) Resolve(codec Codec, local, remote Version, base Base, rules []models.ConflictResolutionRule, forceReview bool) (*Outcome, error) {
	// Step 1: byte-identical payloads are no conflict at all.
	if PayloadsEqual(local.Payload, remote.Payload) {
		return &Outcome{
			NoConflict: true,
			Winner:     WinnerNone,
			Payload:    local.Payload,
			Reason:     "payloads identical",
		}, nil
	}

	// Step 2: one-sided updates are not real conflicts. If the local copy
	// still matches the last common version only the remote side moved, and
	// vice versa.
	if base.Hash != "" {
		if PayloadHash(local.Payload) == base.Hash {
			return &Outcome{
				NoConflict: true,
				Winner:     WinnerRemote,
				Payload:    remote.Payload,
				Reason:     "only remote changed since last sync",
			}, nil
		}
		if PayloadHash(remote.Payload) == base.Hash || (base.Version > 0 && remote.Version == base.Version) {
			return &Outcome{
				NoConflict: true,
				Winner:     WinnerLocal,
				Payload:    local.Payload,
				Reason:     "only local changed since last sync",
			}, nil
		}
	}

	// Both sides changed: a real conflict.
	diffs, err := codec.Diff(local.Payload, remote.Payload)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		// Divergent envelopes but same content; treat as one-sided toward
		// the higher version.
		winner, payload := WinnerRemote, remote.Payload
		if local.Version > remote.Version {
			winner, payload = WinnerLocal, local.Payload
		}
		return &Outcome{NoConflict: true, Winner: winner, Payload: payload, Reason: "no property-level divergence"}, nil
	}

	entityType := codec.EntityType()

	// Step 3: find applicable rules per diverged property. A mandated manual
	// review on any applicable rule sends the whole entity to a human, with
	// the policy kept as the suggestion.
	for _, diff := range diffs {
		rule := findRule(rules, entityType, diff.Name)
		if rule != nil && rule.RequiresManualReview {
			return &Outcome{
				Winner:               WinnerNone,
				Resolution:           ResolutionManual,
				RequiresManualReview: true,
				Suggested:            ResolutionType(rule.ResolutionType),
				AppliedRule:          rule.Name(),
				Reason:               fmt.Sprintf("rule %s mandates manual review", rule.Name()),
			}, nil
		}
	}
	if forceReview {
		suggested := ResolutionLastWriteWins
		applied := ""
		if rule := findRule(rules, entityType, ""); rule != nil {
			suggested = ResolutionType(rule.ResolutionType)
			applied = rule.Name()
		}
		return &Outcome{
			Winner:               WinnerNone,
			Resolution:           ResolutionManual,
			RequiresManualReview: true,
			Suggested:            suggested,
			AppliedRule:          applied,
			Reason:               "entity rule flags all conflicts for review",
		}, nil
	}

	// Step 4: resolve property by property. When every property lands on the
	// same side the winner takes its whole payload; otherwise a merged
	// payload is composed.
	type propPick struct {
		diff  PropertyDiff
		value json.RawMessage
		side  Winner
		rule  *models.ConflictResolutionRule
	}
	picks := make([]propPick, 0, len(diffs))
	allLocal, allRemote := true, true

	for _, diff := range diffs {
		rule := findRule(rules, entityType, diff.Name)
		resolution := ResolutionLastWriteWins
		if rule != nil {
			resolution = ResolutionType(rule.ResolutionType)
		}

		pick := propPick{diff: diff, rule: rule}
		switch resolution {
		case ResolutionLocalWins:
			pick.side, pick.value = WinnerLocal, diff.Local
		case ResolutionRemoteWins:
			pick.side, pick.value = WinnerRemote, diff.Remote
		case ResolutionLastWriteWins:
			// HQ is the system of record by convention, so ties prefer Remote.
			if local.Timestamp.After(remote.Timestamp) {
				pick.side, pick.value = WinnerLocal, diff.Local
			} else {
				pick.side, pick.value = WinnerRemote, diff.Remote
			}
		case ResolutionMerged:
			merged, ok := codec.MergeProperty(diff.Name, diff.Local, diff.Remote)
			if !ok {
				// Unresolvable merge downgrades to manual rather than guessing.
				return &Outcome{
					Winner:               WinnerNone,
					Resolution:           ResolutionManual,
					RequiresManualReview: true,
					Suggested:            ResolutionMerged,
					AppliedRule:          ruleName(rule),
					Reason:               fmt.Sprintf("property %s has no merge strategy", diff.Name),
				}, nil
			}
			pick.side, pick.value = WinnerMerged, merged
		case ResolutionManual:
			suggested := ResolutionLastWriteWins
			return &Outcome{
				Winner:               WinnerNone,
				Resolution:           ResolutionManual,
				RequiresManualReview: true,
				Suggested:            suggested,
				AppliedRule:          ruleName(rule),
				Reason:               fmt.Sprintf("rule %s requires manual resolution", ruleName(rule)),
			}, nil
		default:
			return nil, fmt.Errorf("unknown resolution type %q", resolution)
		}

		if pick.side != WinnerLocal {
			allLocal = false
		}
		if pick.side != WinnerRemote {
			allRemote = false
		}
		picks = append(picks, pick)
	}

	primaryRule := findRule(rules, entityType, "")
	if allLocal {
		return &Outcome{
			Winner:      WinnerLocal,
			Payload:     local.Payload,
			Resolution:  resolutionFor(picks[0].rule, primaryRule),
			AppliedRule: ruleName(firstRule(picks[0].rule, primaryRule)),
			Reason:      "all diverged properties resolved to local",
		}, nil
	}
	if allRemote {
		return &Outcome{
			Winner:      WinnerRemote,
			Payload:     remote.Payload,
			Resolution:  resolutionFor(picks[0].rule, primaryRule),
			AppliedRule: ruleName(firstRule(picks[0].rule, primaryRule)),
			Reason:      "all diverged properties resolved to remote",
		}, nil
	}

	// Mixed outcome: compose property-wise starting from the local payload.
	composed, err := composePayload(local, remote, func(obj map[string]json.RawMessage) {
		for _, p := range picks {
			if p.value == nil {
				delete(obj, p.diff.Name)
				continue
			}
			obj[p.diff.Name] = p.value
		}
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Winner:      WinnerMerged,
		Payload:     composed,
		Resolution:  ResolutionMerged,
		AppliedRule: ruleName(primaryRule),
		Reason:      "properties resolved per rule and composed",
	}, nil
}

// findRule returns the most specific active rule for (entityType, property):
// a property-level match beats the entity-level rule, then the lowest
// priority number wins.
func findRule(rules []models.ConflictResolutionRule, entityType, property string) *models.ConflictResolutionRule {
	var best *models.ConflictResolutionRule
	for i := range rules {
		r := &rules[i]
		if !r.Matches(entityType, property) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.IsPropertyLevel() != best.IsPropertyLevel() {
			if r.IsPropertyLevel() {
				best = r
			}
			continue
		}
		if r.Priority < best.Priority {
			best = r
		}
	}
	return best
}

func ruleName(r *models.ConflictResolutionRule) string {
	if r == nil {
		return ""
	}
	return r.Name()
}

func firstRule(rules ...*models.ConflictResolutionRule) *models.ConflictResolutionRule {
	for _, r := range rules {
		if r != nil {
			return r
		}
	}
	return nil
}

func resolutionFor(rules ...*models.ConflictResolutionRule) ResolutionType {
	if r := firstRule(rules...); r != nil {
		return ResolutionType(r.ResolutionType)
	}
	return ResolutionLastWriteWins
}

// composePayload builds a merged payload from the local object, applies the
// property mutations, and advances the envelope to the newer side.
func composePayload(local, remote Version, mutate func(map[string]json.RawMessage)) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(local.Payload, &obj); err != nil {
		return nil, Validation(fmt.Errorf("cannot compose payload: %w", err))
	}

	mutate(obj)

	version := local.Version
	if remote.Version > version {
		version = remote.Version
	}
	ts := local.Timestamp
	if remote.Timestamp.After(ts) {
		ts = remote.Timestamp
	}
	if v, err := json.Marshal(version); err == nil {
		obj["version"] = v
	}
	if !ts.IsZero() {
		if t, err := json.Marshal(ts.UTC().Format(time.RFC3339)); err == nil {
			obj["updated_at"] = t
		}
	}

	return json.Marshal(obj)
}
