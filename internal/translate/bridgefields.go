package translate

import (
	"github.com/crossfed/crossfed/internal/models"
)

// ApplyBridgeFields decorates a freshly converted atproto record for an
// object bridged in from another protocol: a self label marking the bridged
// origin, the preserved original summary, and the original url. Field names
// match what downstream consumers of bridged records already parse.
func ApplyBridgeFields(record, as1 map[string]any, sourceProtocol string) {
	if record == nil || sourceProtocol == models.ProtocolATProto {
		return
	}
	recordType, _ := record["$type"].(string)

	inner := as1
	if IsCRUD(Verb(as1)) {
		if m := Inner(as1); m != nil {
			inner = m
		}
	}

	if recordType == "app.bsky.actor.profile" {
		if orig, _ := inner["bridgyOriginalSummary"].(string); orig != "" {
			record["bridgyOriginalDescription"] = orig
		} else {
			delete(record, "bridgyOriginalDescription")
		}

		labels, _ := record["labels"].(map[string]any)
		if labels == nil {
			labels = map[string]any{"$type": "com.atproto.label.defs#selfLabels"}
			record["labels"] = labels
		}
		values, _ := labels["values"].([]any)
		labels["values"] = append(values, map[string]any{
			"val": "bridged-from-bridgy-fed-" + sourceProtocol,
		})
	}

	if recordType == "app.bsky.actor.profile" || recordType == "app.bsky.feed.post" {
		origURL, _ := inner["url"].(string)
		if origURL == "" {
			origURL = ID(inner)
		}
		if origURL != "" {
			record["bridgyOriginalUrl"] = origURL
		}
	}
}
