package releasespec

import (
	"testing"

	"silexa/agents/stackagent/internal/model"
)

func TestParseTopLevel(t *testing.T) {
	payload := map[string]any{
		"name":    "stack-a",
		"version": "1.0.0",
		"artifact": map[string]any{
			"uri":      "https://example.com/a.tar.gz",
			"checksum": "sha256:deadbeef",
		},
		"runtime": map[string]any{
			"start_command": "sleep 60",
		},
	}
	release, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if release.Name != "stack-a" || release.Version != "1.0.0" {
		t.Fatalf("unexpected release: %+v", release)
	}
	if release.Artifact.Checksum != "sha256:deadbeef" {
		t.Fatalf("unexpected checksum: %q", release.Artifact.Checksum)
	}
}

func TestParseNestedFeaturesStackProperties(t *testing.T) {
	payload := map[string]any{
		"features": map[string]any{
			"stack": map[string]any{
				"properties": map[string]any{
					"name":    "stack-b",
					"version": "2.0.0",
					"artifact": map[string]any{
						"uri":      "https://example.com/b.tar.gz",
						"checksum": "abc123",
					},
					"runtime": map[string]any{
						"start_command": "python app.py",
					},
				},
			},
		},
	}
	release, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if release.Name != "stack-b" || release.Version != "2.0.0" {
		t.Fatalf("unexpected release: %+v", release)
	}
}

func TestParseStackSubObjectPrecedenceOverMetadata(t *testing.T) {
	payload := map[string]any{
		"stack": map[string]any{
			"name":    "from-stack",
			"version": "1.0.0",
			"artifact": map[string]any{
				"uri":      "https://example.com/x.tar.gz",
				"checksum": "aa",
			},
			"runtime": map[string]any{"start_command": "run"},
		},
		"metadata": map[string]any{
			"name": "from-metadata",
		},
	}
	release, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if release.Name != "from-stack" {
		t.Fatalf("expected stack sub-object to take precedence, got %q", release.Name)
	}
}

func TestParseMissingRequiredField(t *testing.T) {
	_, err := Parse(map[string]any{"name": "stack-a"})
	if err == nil {
		t.Fatalf("expected error for missing required fields")
	}
	kind, ok := model.KindOf(err)
	if !ok || kind != model.KindInvalidReleaseSpec {
		t.Fatalf("expected KindInvalidReleaseSpec, got %v ok=%v", kind, ok)
	}
}

func TestParseEnvironmentCoercion(t *testing.T) {
	payload := map[string]any{
		"name":    "stack-a",
		"version": "1.0.0",
		"artifact": map[string]any{
			"uri":      "https://example.com/a.tar.gz",
			"checksum": "aa",
		},
		"runtime": map[string]any{
			"start_command": "run",
			"environment": map[string]any{
				"PORT":  8080,
				"DEBUG": "true",
			},
		},
	}
	release, err := Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if release.Runtime.Environment["DEBUG"] != "true" || release.Runtime.Environment["PORT"] != "8080" {
		t.Fatalf("unexpected environment coercion: %+v", release.Runtime.Environment)
	}
}
