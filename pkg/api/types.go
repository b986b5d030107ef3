package api

import "encoding/json"

// v0 contains the public workload file format and invocation status values.

type Workload struct {
	Name         string           `json:"name" yaml:"name"`
	RunCount     int              `json:"run_count" yaml:"run_count"`
	ExtraCLIArgs []string         `json:"extra_cli_args,omitempty" yaml:"extra_cli_args,omitempty"`
	Assets       map[string]Asset `json:"assets,omitempty" yaml:"assets,omitempty"`
	Precommands  []Command        `json:"precommands,omitempty" yaml:"precommands,omitempty"`
	Commands     []Command        `json:"commands" yaml:"commands"`
}

type AssetFormat string

const (
	AssetNDJSON AssetFormat = "ndjson"
	AssetJSON   AssetFormat = "json"
	AssetRaw    AssetFormat = "raw"
)

// ContentType returns the HTTP content type used when the asset is sent as a body.
func (f AssetFormat) ContentType() string {
	switch f {
	case AssetNDJSON:
		return "application/x-ndjson"
	case AssetJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

type Asset struct {
	// LocalLocation is relative to the asset folder unless absolute.
	LocalLocation  string      `json:"local_location,omitempty" yaml:"local_location,omitempty"`
	RemoteLocation string      `json:"remote_location,omitempty" yaml:"remote_location,omitempty"`
	Format         AssetFormat `json:"format,omitempty" yaml:"format,omitempty"`
	SHA256         string      `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

type SyncMode string

const (
	DontWait        SyncMode = "DontWait"
	WaitForResponse SyncMode = "WaitForResponse"
	WaitForTask     SyncMode = "WaitForTask"
)

type Command struct {
	Route       string   `json:"route" yaml:"route"`
	Method      string   `json:"method" yaml:"method"`
	Body        Body     `json:"body,omitempty" yaml:"body,omitempty"`
	Synchronous SyncMode `json:"synchronous,omitempty" yaml:"synchronous,omitempty"`
}

// Body is either an inline JSON value, a reference to a named asset, or empty.
type Body struct {
	Inline json.RawMessage `json:"inline,omitempty" yaml:"-"`
	Asset  string          `json:"asset,omitempty" yaml:"asset,omitempty"`

	// InlineYAML receives inline bodies from YAML workload files.
	InlineYAML any `json:"-" yaml:"inline,omitempty"`
}

func (b Body) Empty() bool {
	return len(b.Inline) == 0 && b.InlineYAML == nil && b.Asset == ""
}

type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
)
