package types

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestStepIdentityDeterministic(t *testing.T) {
	parent := digest.FromString("parent")
	content := digest.FromString("manifest-v1")
	platform := Platform{OS: "linux", Architecture: "amd64"}

	step := &Step{
		Kind:    StepKindCopy,
		Source:  "requirements.txt",
		Dest:    "/app/requirements.txt",
		Environment: map[string]string{
			"B": "2",
			"A": "1",
		},
	}

	first := step.Identity(parent, content, platform)
	second := step.Identity(parent, content, platform)

	if first != second {
		t.Errorf("expected identical identities, got %s and %s", first, second)
	}
}

func TestStepIdentityIgnoresName(t *testing.T) {
	parent := digest.FromString("parent")
	platform := Platform{OS: "linux", Architecture: "amd64"}

	a := &Step{Kind: StepKindRun, Name: "first label", Command: []string{"/bin/sh", "-c", "true"}}
	b := &Step{Kind: StepKindRun, Name: "second label", Command: []string{"/bin/sh", "-c", "true"}}

	if a.Identity(parent, "", platform) != b.Identity(parent, "", platform) {
		t.Error("step name must not affect identity")
	}
}

func TestStepIdentityChangesWithParent(t *testing.T) {
	platform := Platform{OS: "linux", Architecture: "amd64"}
	step := &Step{Kind: StepKindRun, Command: []string{"/bin/sh", "-c", "true"}}

	first := step.Identity(digest.FromString("parent-a"), "", platform)
	second := step.Identity(digest.FromString("parent-b"), "", platform)

	if first == second {
		t.Error("different parents must yield different identities")
	}
}

func TestStepIdentityChangesWithContent(t *testing.T) {
	parent := digest.FromString("parent")
	platform := Platform{OS: "linux", Architecture: "amd64"}
	step := &Step{Kind: StepKindCopy, Source: "requirements.txt", Dest: "/app/requirements.txt"}

	first := step.Identity(parent, digest.FromString("v1"), platform)
	second := step.Identity(parent, digest.FromString("v2"), platform)

	if first == second {
		t.Error("different copied content must yield different identities")
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		input    string
		expected Platform
	}{
		{"linux/amd64", Platform{OS: "linux", Architecture: "amd64"}},
		{"linux/arm/v7", Platform{OS: "linux", Architecture: "arm", Variant: "v7"}},
		{"linux/arm64", Platform{OS: "linux", Architecture: "arm64"}},
	}

	for _, test := range tests {
		got := ParsePlatform(test.input)
		if got != test.expected {
			t.Errorf("ParsePlatform(%q) = %+v, expected %+v", test.input, got, test.expected)
		}
	}

	host := ParsePlatform("bogus")
	if host != GetHostPlatform() {
		t.Errorf("invalid platform should fall back to host, got %+v", host)
	}
}

func TestPlatformString(t *testing.T) {
	p := Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	if p.String() != "linux/arm/v7" {
		t.Errorf("expected linux/arm/v7, got %s", p.String())
	}

	p = Platform{OS: "linux", Architecture: "amd64"}
	if p.String() != "linux/amd64" {
		t.Errorf("expected linux/amd64, got %s", p.String())
	}
}

func TestStepLabel(t *testing.T) {
	named := &Step{Kind: StepKindRun, Name: "install dependencies"}
	if named.Label(2) != "install dependencies" {
		t.Errorf("expected name label, got %s", named.Label(2))
	}

	unnamed := &Step{Kind: StepKindCopy}
	if unnamed.Label(0) != "step 1 (copy)" {
		t.Errorf("expected positional label, got %s", unnamed.Label(0))
	}
}

func TestNormalizeEnvironment(t *testing.T) {
	if env := NormalizeEnvironment(nil); env == nil || len(env) != 0 {
		t.Error("nil environment should normalize to an empty map")
	}

	env := NormalizeEnvironment(map[string]string{"B": "2", "A": "1"})
	if env["A"] != "1" || env["B"] != "2" {
		t.Errorf("unexpected normalized environment: %+v", env)
	}
}
