package model

// MaxReportLog bounds the processing log carried inside a result report.
// Queue servers reject oversized payloads, so the cap is enforced here.
const MaxReportLog = 95 * 1024

const truncationMark = "\n...[log truncated]"

const (
	ArtifactGeometry = "geometry"
	ArtifactPackage  = "package"
)

// Artifact is one produced file referenced by a result report. Content is
// carried inline (base64 over the wire) unless the artifact was uploaded
// separately, in which case BlobKey references it.
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Content []byte `json:"content,omitempty"`
	BlobKey string `json:"blobKey,omitempty"`
}

// Report is the terminal statement about one job, sent exactly once,
// best effort.
type Report struct {
	JobID     JobID      `json:"jobId"`
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Log       string     `json:"log,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// TruncateLog enforces the report log cap, appending a marker when cut.
func TruncateLog(s string) string {
	if len(s) <= MaxReportLog {
		return s
	}
	return s[:MaxReportLog] + truncationMark
}
