package conflict

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldRule says how MERGE combines one field when both sides set it.
type FieldRule string

// Field rules. RuleRemote is the default for every field a schema does not
// name.
const (
	RuleRemote FieldRule = "remote"
	RuleLocal  FieldRule = "local"
	RuleUnion  FieldRule = "union"
	RuleMax    FieldRule = "max"
)

// ParseFieldRule converts a config string to a FieldRule.
func ParseFieldRule(s string) (FieldRule, error) {
	switch r := FieldRule(strings.ToLower(strings.TrimSpace(s))); r {
	case RuleRemote, RuleLocal, RuleUnion, RuleMax:
		return r, nil
	default:
		return "", fmt.Errorf("conflict: unknown merge rule %q", s)
	}
}

// MergeSchema maps dotted field paths ("location.lat", "tags") to rules for
// one entity type.
type MergeSchema map[string]FieldRule

func (s MergeSchema) rule(path string) FieldRule {
	if r, ok := s[path]; ok {
		return r
	}

	return RuleRemote
}

func mergeVersions(rec *Record, schema MergeSchema) Decision {
	merged := MergeObjects(rec.LocalVersion, rec.RemoteVersion, schema)

	d := Decision{Strategy: Merge, Winner: WinnerMerged, Value: merged}

	switch {
	case sameJSON(merged, rec.RemoteVersion):
		d.Winner = WinnerRemote
		d.Reason = "merged value equals the remote version"
	case sameJSON(merged, rec.LocalVersion):
		d.Winner = WinnerLocal
		d.Reason = "merged value equals the local version"
	default:
		d.Reason = "deep merge of local and remote versions"
	}

	return d
}

// MergeObjects deep-merges remote into local. Keys present on one side only
// are kept; nested objects recurse; any other clash is settled by the schema
// rule for the field, remote by default. Inputs are not modified.
func MergeObjects(local, remote map[string]any, schema MergeSchema) map[string]any {
	return mergeAt("", local, remote, schema)
}

func mergeAt(prefix string, local, remote map[string]any, schema MergeSchema) map[string]any {
	out := make(map[string]any, len(local)+len(remote))

	for k, v := range local {
		out[k] = cloneValue(v)
	}

	for k, rv := range remote {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		lv, ok := local[k]
		if !ok {
			out[k] = cloneValue(rv)
			continue
		}

		lm, lIsObj := lv.(map[string]any)
		rm, rIsObj := rv.(map[string]any)

		if lIsObj && rIsObj {
			out[k] = mergeAt(path, lm, rm, schema)
			continue
		}

		out[k] = mergeField(schema.rule(path), lv, rv)
	}

	return out
}

func mergeField(rule FieldRule, local, remote any) any {
	switch rule {
	case RuleLocal:
		return cloneValue(local)
	case RuleUnion:
		la, lok := local.([]any)
		ra, rok := remote.([]any)

		if lok && rok {
			return unionArrays(la, ra)
		}
	case RuleMax:
		lf, lok := toFloat(local)
		rf, rok := toFloat(remote)

		if lok && rok && lf > rf {
			return cloneValue(local)
		}
	case RuleRemote:
	}

	return cloneValue(remote)
}

// unionArrays keeps local order, then appends remote elements not already
// present. Elements are compared by JSON encoding.
func unionArrays(local, remote []any) []any {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]any, 0, len(local)+len(remote))

	add := func(v any) {
		b, err := json.Marshal(v)
		key := string(b)

		if err != nil {
			key = fmt.Sprintf("%#v", v)
		}

		if seen[key] {
			return
		}

		seen[key] = true
		out = append(out, cloneValue(v))
	}

	for _, v := range local {
		add(v)
	}

	for _, v := range remote {
		add(v)
	}

	return out
}
