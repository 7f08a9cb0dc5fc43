package types

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

type StepKind string

const (
	StepKindCopy StepKind = "copy" // Copy a file from the build context into the image
	StepKindRun  StepKind = "run"  // Run a command against the current snapshot
)

type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

func ParsePlatform(platform string) Platform {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return GetHostPlatform()
	}

	p := Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}

	if len(parts) > 2 {
		p.Variant = parts[2]
	}

	return p
}

func GetHostPlatform() Platform {
	return Platform{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// Step is a single build operation transforming one snapshot into the next.
// Name is a display label and does not participate in the step's identity.
type Step struct {
	Kind        StepKind          `json:"kind"`
	Name        string            `json:"name,omitempty"`
	Source      string            `json:"source,omitempty"`
	Dest        string            `json:"dest,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"workdir,omitempty"`
}

// Identity derives the deterministic layer identity for this step. The
// identity covers the parent layer, the full step definition, the content
// digest of any copied file and the target platform, so identical inputs
// always map to the same layer and any upstream change invalidates every
// downstream layer.
func (s *Step) Identity(parent digest.Digest, content digest.Digest, platform Platform) digest.Digest {
	data := struct {
		Parent      digest.Digest     `json:"parent,omitempty"`
		Kind        StepKind          `json:"kind"`
		Source      string            `json:"source,omitempty"`
		Dest        string            `json:"dest,omitempty"`
		Command     []string          `json:"command,omitempty"`
		Environment map[string]string `json:"environment,omitempty"`
		WorkDir     string            `json:"workdir,omitempty"`
		Content     digest.Digest     `json:"content,omitempty"`
		Platform    Platform          `json:"platform"`
	}{
		Parent:      parent,
		Kind:        s.Kind,
		Source:      s.Source,
		Dest:        s.Dest,
		Command:     s.Command,
		Environment: NormalizeEnvironment(s.Environment),
		WorkDir:     s.WorkDir,
		Content:     content,
		Platform:    platform,
	}

	jsonData, _ := json.Marshal(data)
	return digest.FromBytes(jsonData)
}

func (s *Step) Label(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step %d (%s)", index+1, s.Kind)
}

// Layer is the immutable result of applying one step to its parent.
type Layer struct {
	ID        digest.Digest `json:"id"`
	Parent    digest.Digest `json:"parent,omitempty"`
	StepIndex int           `json:"step_index"`
	CreatedBy string        `json:"created_by,omitempty"`
	TarPath   string        `json:"tar_path,omitempty"`
	Size      int64         `json:"size"`
	Created   time.Time     `json:"created"`
}

type StepResult struct {
	Step     *Step  `json:"step"`
	Index    int    `json:"index"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	CacheHit bool   `json:"cache_hit"`
}

type ComposeConfig struct {
	Context    string   `json:"context"`
	Recipe     string   `json:"recipe,omitempty"`
	Base       string   `json:"base"`
	Manifest   string   `json:"manifest,omitempty"`
	Dest       string   `json:"dest,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Output     string   `json:"output"`
	OutputPath string   `json:"output_path,omitempty"`
	CacheDir   string   `json:"cache_dir,omitempty"`
	NoCache    bool     `json:"no_cache,omitempty"`
	Progress   bool     `json:"progress,omitempty"`
	Push       bool     `json:"push,omitempty"`
	PinManager string   `json:"pin_manager,omitempty"`
	Platform   Platform `json:"platform,omitempty"`
}

type ComposeResult struct {
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Steps      int               `json:"steps"`
	CacheHits  int               `json:"cache_hits"`
	Duration   string            `json:"duration,omitempty"`
	ImageID    digest.Digest     `json:"image_id,omitempty"`
	OutputPath string            `json:"output_path,omitempty"`
	Layers     []Layer           `json:"layers,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type CacheInfo struct {
	TotalSize  int64   `json:"total_size"`
	TotalFiles int     `json:"total_files"`
	HitRate    float64 `json:"hit_rate"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
}

func NormalizeEnvironment(env map[string]string) map[string]string {
	if env == nil {
		return make(map[string]string)
	}

	normalized := make(map[string]string)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		normalized[k] = env[k]
	}

	return normalized
}
