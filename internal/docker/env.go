package docker

import "sort"

// EnvSlice converts an environment map to the KEY=VALUE slice form the engine
// expects, sorted by key so container configs are deterministic.
func EnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// MergeEnv overlays the given maps left to right, later entries overriding
// earlier ones. Nil maps are skipped.
func MergeEnv(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
