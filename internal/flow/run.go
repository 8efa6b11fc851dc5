package flow

import "time"

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
	RunExpired   RunStatus = "expired"
)

// Terminal reports whether the status is final. The cleanup sweeper only
// touches terminal runs; pending and running records past their TTL belong
// to the scheduler's own timeout handling.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout, RunExpired:
		return true
	}
	return false
}

// Run is a single invocation of a flow with persistent identity and TTL.
type Run struct {
	ID          string                `json:"id"`
	FlowID      string                `json:"flowId"`
	FlowAPIID   *string               `json:"flowApiId,omitempty"`
	APIKeyID    *string               `json:"apiKeyId,omitempty"`
	Status      RunStatus             `json:"status"`
	Progress    int                   `json:"progress"`
	CurrentNode string                `json:"currentNode,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	ExpiresAt   time.Time             `json:"expiresAt"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Outputs     map[string]any        `json:"outputs,omitempty"`
	Error       *Error                `json:"error,omitempty"`
	NodeResults map[string]NodeResult `json:"nodeResults,omitempty"`
	Logs        []string              `json:"logs,omitempty"`
	Artifacts   []Artifact            `json:"artifacts,omitempty"`
}

// NodeResult records one node's outcome inside a run.
type NodeResult struct {
	Status     string `json:"status"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// ArtifactCategory groups artifacts by what produced them.
type ArtifactCategory string

const (
	ArtifactSchematic ArtifactCategory = "schematic"
	ArtifactImage     ArtifactCategory = "image"
	ArtifactData      ArtifactCategory = "data"
	ArtifactFile      ArtifactCategory = "file"
)

// Artifact is a binary product of a run. Data is inlined (base64 on the
// wire); large payloads are stored out of band and referenced by URL.
type Artifact struct {
	ID        string           `json:"id"`
	RunID     string           `json:"runId"`
	Name      string           `json:"name"`
	Category  ArtifactCategory `json:"category"`
	Format    string           `json:"format"`
	Size      int64            `json:"size"`
	Data      []byte           `json:"data,omitempty"`
	URL       string           `json:"url,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// BlobDescriptor replaces a binary value inside a run's outputs once the
// bytes have been extracted into an artifact. Clients treat Data as opaque.
type BlobDescriptor struct {
	Format   string         `json:"format"`
	Data     []byte         `json:"data,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Schematic is implemented by values that can serialize themselves into a
// schematic binary blob. The run service turns such values into artifacts.
type Schematic interface {
	ToSchematic() ([]byte, error)
}
