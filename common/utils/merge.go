package utils

// MergeMaps overlays overrides onto base. Nested mappings merge
// recursively; everything else is replaced wholesale. Both yaml config
// surfaces (run farm and build farm recipes) merge their
// recipe_arg_overrides through this.
func MergeMaps(base map[string]interface{}, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		if baseMap, ok := merged[key].(map[string]interface{}); ok {
			if overrideMap, ok2 := value.(map[string]interface{}); ok2 {
				merged[key] = MergeMaps(baseMap, overrideMap)
				continue
			}
		}
		merged[key] = value
	}
	return merged
}
