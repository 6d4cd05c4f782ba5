// Package releasespec normalizes a heterogeneous desired-state payload into
// a validated model.Release. The control plane is free to nest the same
// fields under several different shapes; this package resolves field lookup
// precedence explicitly rather than via reflection or struct tags.
package releasespec

import (
	"fmt"
	"strings"

	"silexa/agents/stackagent/internal/model"
)

// Parse extracts name, version, artifact, and runtime fields from payload,
// preferring top-level keys, then a "stack" sub-object, then
// "features.stack.properties", then generic "metadata.*"/"attributes.*".
func Parse(payload map[string]any) (model.Release, error) {
	name, ok := stringField(payload, "name")
	if !ok || name == "" {
		return model.Release{}, invalid("name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return model.Release{}, invalid("name must not contain path separators")
	}
	version, ok := stringField(payload, "version")
	if !ok || version == "" {
		return model.Release{}, invalid("version is required")
	}
	uri, ok := stringField(payload, "artifact.uri")
	if !ok || uri == "" {
		return model.Release{}, invalid("artifact.uri is required")
	}
	checksum, ok := stringField(payload, "artifact.checksum")
	if !ok || checksum == "" {
		return model.Release{}, invalid("artifact.checksum is required")
	}
	startCommand, ok := stringField(payload, "runtime.start_command")
	if !ok || startCommand == "" {
		return model.Release{}, invalid("runtime.start_command is required")
	}

	release := model.Release{
		Name:    name,
		Version: version,
		Artifact: model.Artifact{
			URI:      uri,
			Checksum: checksum,
		},
		Runtime: model.Runtime{
			StartCommand: startCommand,
		},
	}
	if stopCommand, ok := stringField(payload, "runtime.stop_command"); ok && stopCommand != "" {
		release.Runtime.StopCommand = stopCommand
	}
	if workDir, ok := stringField(payload, "runtime.working_directory"); ok && workDir != "" {
		release.Runtime.WorkingDirectory = workDir
	}
	if env, ok := mapField(payload, "runtime.environment"); ok && len(env) > 0 {
		release.Runtime.Environment = env
	}
	return release, nil
}

func invalid(msg string) error {
	return model.Wrap(model.KindInvalidReleaseSpec, "parse", fmt.Errorf("%s", msg))
}

// stringField resolves a dotted field path across the precedence chain and
// coerces the result to a trimmed string. ok=false means no root had the
// field at all (distinct from an empty string, which callers treat as absent
// for optional fields).
func stringField(payload map[string]any, dotted string) (string, bool) {
	value, found := resolveField(payload, dotted)
	if !found {
		return "", false
	}
	s, ok := asString(value)
	return strings.TrimSpace(s), ok
}

// mapField resolves a dotted field path and coerces it to map[string]string,
// stringifying non-string values.
func mapField(payload map[string]any, dotted string) (map[string]string, bool) {
	value, found := resolveField(payload, dotted)
	if !found {
		return nil, false
	}
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, _ := asString(v)
		out[k] = s
	}
	return out, true
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// resolveField walks the precedence chain: top-level, "stack", the nested
// "features.stack.properties" object, then generic "metadata"/"attributes"
// maps (checked both as nested objects and as flat dotted keys).
func resolveField(payload map[string]any, dotted string) (any, bool) {
	if v, ok := lookup(payload, dotted); ok {
		return v, true
	}
	if stackObj, ok := asObject(payload["stack"]); ok {
		if v, ok := lookup(stackObj, dotted); ok {
			return v, true
		}
	}
	if features, ok := asObject(payload["features"]); ok {
		if stackFeat, ok := asObject(features["stack"]); ok {
			if props, ok := asObject(stackFeat["properties"]); ok {
				if v, ok := lookup(props, dotted); ok {
					return v, true
				}
			}
		}
	}
	for _, key := range []string{"metadata", "attributes"} {
		generic, ok := asObject(payload[key])
		if !ok {
			continue
		}
		if v, ok := lookup(generic, dotted); ok {
			return v, true
		}
		if v, ok := generic[dotted]; ok {
			return v, true
		}
	}
	return nil, false
}

func asObject(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok
}

// lookup walks a dotted path ("artifact.uri") through nested map[string]any
// objects starting at root.
func lookup(root map[string]any, dotted string) (any, bool) {
	cur := any(root)
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
