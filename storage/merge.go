package storage

// MergeState deep-merges updates into base and returns the result.
//
// Merge rules, keyed by top-level scope:
//   - if both sides are maps, merge recursively
//   - lists overwrite (no element-level merge)
//   - an explicit nil overwrites (supports the "clear" action)
//   - everything else overwrites
//
// Neither input is mutated.
func MergeState(base, updates map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		existingMap, eOK := existing.(map[string]any)
		updateMap, uOK := v.(map[string]any)
		if eOK && uOK {
			out[k] = MergeState(existingMap, updateMap)
			continue
		}
		out[k] = v
	}
	return out
}
