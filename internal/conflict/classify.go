package conflict

import "strings"

var statusKeys = map[string]bool{"status": true, "updatedAt": true, "version": true}

var locationKeys = map[string]bool{
	"location": true, "lat": true, "lng": true, "latitude": true, "longitude": true,
	"accuracy": true, "updatedAt": true, "version": true,
}

// Classify picks the conflict type for a clash on an entity of the given type
// whose local change carried payload. An entry in overrides for the entity
// type wins; otherwise the payload shape decides, then the entity type.
func Classify(entityType string, payload map[string]any, overrides map[string]Type) Type {
	et := strings.ToLower(strings.TrimSpace(entityType))

	if t, ok := overrides[et]; ok {
		return t
	}

	if len(payload) > 0 {
		if onlyKeys(payload, statusKeys) && payload["status"] != nil {
			return TypeStatusUpdate
		}

		if onlyKeys(payload, locationKeys) && hasAnyLocation(payload) {
			return TypeLocationUpdate
		}
	}

	switch et {
	case "task":
		return TypeTaskAssignment
	case "allocation", "resource":
		return TypeResourceAllocation
	case "checkin":
		return TypeLocationUpdate
	default:
		return TypeDataModification
	}
}

func onlyKeys(payload map[string]any, allowed map[string]bool) bool {
	for k := range payload {
		if !allowed[k] {
			return false
		}
	}

	return true
}

func hasAnyLocation(payload map[string]any) bool {
	for _, k := range []string{"location", "lat", "lng", "latitude", "longitude"} {
		if _, ok := payload[k]; ok {
			return true
		}
	}

	return false
}
