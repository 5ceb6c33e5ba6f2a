package conflict

import (
	"encoding/json"
	"fmt"
	"math"
)

// RankLookup maps an actor id to its command rank. Higher ranks outrank
// lower ones. ok is false for unknown actors.
type RankLookup interface {
	Rank(actor string) (rank int, ok bool)
}

// StaticRanks is a RankLookup backed by a fixed table, typically loaded from
// the [conflicts.commanders] config section.
type StaticRanks map[string]int

// Rank implements RankLookup.
func (s StaticRanks) Rank(actor string) (int, bool) {
	r, ok := s[actor]
	return r, ok
}

// DecideOptions carries the optional inputs of the strategy functions.
type DecideOptions struct {
	Schema MergeSchema
	Ranks  RankLookup
}

// Decision is the outcome of a strategy function. Manual decisions carry no
// value.
type Decision struct {
	Strategy Strategy
	Winner   Winner
	Value    map[string]any
	Manual   bool
	Reason   string
}

// Decide applies strategy s to the two versions in rec. It reads rec but
// never modifies it, and the same inputs always give the same decision.
func Decide(s Strategy, rec *Record, opts DecideOptions) Decision {
	switch s {
	case LastWriteWins:
		return lastWriteWins(rec)
	case FirstWriteWins:
		return firstWriteWins(rec)
	case Merge:
		return mergeVersions(rec, opts.Schema)
	case PriorityBased:
		return priorityBased(rec)
	case CommanderPriority:
		return commanderPriority(rec, opts.Ranks)
	case Manual:
		return escalate("manual review requested")
	default:
		return escalate(fmt.Sprintf("unknown strategy %q", s))
	}
}

// lastWriteWins picks the strictly newer side. "Local if newer, else remote"
// holds only for distinct timestamps: a tie is never settled for remote but
// escalated to manual review, since neither side can be shown to be later.
func lastWriteWins(rec *Record) Decision {
	switch {
	case rec.LocalTimestamp > rec.RemoteTimestamp:
		return pick(LastWriteWins, WinnerLocal, rec,
			fmt.Sprintf("local timestamp %d is newer than remote %d", rec.LocalTimestamp, rec.RemoteTimestamp))
	case rec.RemoteTimestamp > rec.LocalTimestamp:
		return pick(LastWriteWins, WinnerRemote, rec,
			fmt.Sprintf("remote timestamp %d is newer than local %d", rec.RemoteTimestamp, rec.LocalTimestamp))
	default:
		return escalate(fmt.Sprintf("identical timestamps (%d), manual resolution required", rec.LocalTimestamp))
	}
}

func firstWriteWins(rec *Record) Decision {
	switch {
	case rec.LocalTimestamp < rec.RemoteTimestamp:
		return pick(FirstWriteWins, WinnerLocal, rec,
			fmt.Sprintf("local timestamp %d is older than remote %d", rec.LocalTimestamp, rec.RemoteTimestamp))
	case rec.RemoteTimestamp < rec.LocalTimestamp:
		return pick(FirstWriteWins, WinnerRemote, rec,
			fmt.Sprintf("remote timestamp %d is older than local %d", rec.RemoteTimestamp, rec.LocalTimestamp))
	default:
		return escalate(fmt.Sprintf("identical timestamps (%d), manual resolution required", rec.LocalTimestamp))
	}
}

func priorityBased(rec *Record) Decision {
	local := priorityOf(rec.LocalVersion)
	remote := priorityOf(rec.RemoteVersion)

	switch {
	case local > remote:
		return pick(PriorityBased, WinnerLocal, rec,
			fmt.Sprintf("local priority %g > remote priority %g", local, remote))
	case remote > local:
		return pick(PriorityBased, WinnerRemote, rec,
			fmt.Sprintf("remote priority %g > local priority %g", remote, local))
	}

	d := lastWriteWins(rec)
	if !d.Manual {
		d.Strategy = PriorityBased
		d.Reason = fmt.Sprintf("equal priority %g, %s", local, d.Reason)
	}

	return d
}

func commanderPriority(rec *Record, ranks RankLookup) Decision {
	if ranks == nil {
		return pick(CommanderPriority, WinnerRemote, rec, "coordination server version takes precedence")
	}

	localRank, _ := ranks.Rank(rec.LocalActor)
	remoteRank, _ := ranks.Rank(rec.RemoteActor)

	if localRank > remoteRank {
		return pick(CommanderPriority, WinnerLocal, rec,
			fmt.Sprintf("local actor %q outranks remote actor %q (%d > %d)",
				rec.LocalActor, rec.RemoteActor, localRank, remoteRank))
	}

	return pick(CommanderPriority, WinnerRemote, rec,
		fmt.Sprintf("remote actor %q holds rank %d, local actor %q holds %d",
			rec.RemoteActor, remoteRank, rec.LocalActor, localRank))
}

func pick(s Strategy, w Winner, rec *Record, reason string) Decision {
	var v map[string]any

	switch w {
	case WinnerLocal:
		v = cloneObject(rec.LocalVersion)
	case WinnerRemote:
		v = cloneObject(rec.RemoteVersion)
	}

	if v == nil {
		v = map[string]any{}
	}

	return Decision{Strategy: s, Winner: w, Value: v, Reason: reason}
}

func escalate(reason string) Decision {
	return Decision{Strategy: Manual, Winner: WinnerNone, Manual: true, Reason: reason}
}

// priorityOf reads the numeric priority field of a version. Missing or
// non-numeric values count as 0.
func priorityOf(v map[string]any) float64 {
	f, ok := toFloat(v["priority"])
	if !ok || math.IsNaN(f) {
		return 0
	}

	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// sameJSON compares two values by their canonical JSON encoding, so values
// that went through a database round trip compare equal to freshly computed
// ones. nil and empty objects are equal.
func sameJSON(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)

	return errA == nil && errB == nil && string(ab) == string(bb)
}
