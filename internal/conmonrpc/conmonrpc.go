// Package conmonrpc defines the request/response wire types and the
// service interface for the monitor's control socket (spec.md §6.1).
//
// conmon-rs generates these from a capnp schema (conmon.capnp) compiled
// by an external schema compiler; we have no such compiler in this
// module; each type below is hand-authored to stand in for that
// generated code, and implements ttrpc's Marshaler/Unmarshaler interfaces
// over JSON rather than protobuf, since there is no .proto source to
// generate from either. The field shapes mirror the capnp schema
// referenced throughout original_source/conmon-rs/server/src/rpc.rs and
// server.rs (CreateContainerParams/Results, ExecSyncContainerParams, ...).
package conmonrpc

import "encoding/json"

// marshalJSON/unmarshalJSON back every request/response type's Marshal and
// Unmarshal methods, which satisfy github.com/containerd/ttrpc's
// Marshaler and Unmarshaler interfaces.
func marshalJSON(v interface{}) ([]byte, error) { return json.Marshal(v) }
func unmarshalJSON(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// VersionRequest carries no fields.
type VersionRequest struct{}

func (r *VersionRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *VersionRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// VersionResponse mirrors original_source's version.rs Version struct.
type VersionResponse struct {
	Version   string `json:"version"`
	Tag       string `json:"tag"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func (r *VersionResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *VersionResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CreateContainerRequest mirrors rpc.rs's create_container request fields
// plus the FD-socket slot references an io_fds/additional_fds mapping
// needs (spec.md §4.6) and the runtime invocation controls named in
// spec.md §6.1 (pidfile, stdin, global_args, command_args, env_vars,
// cleanup_cmd).
type CreateContainerRequest struct {
	ID            string            `json:"id"`
	BundlePath    string            `json:"bundle_path"`
	PidFile       string            `json:"pidfile,omitempty"`
	Terminal      bool              `json:"terminal"`
	Stdin         bool              `json:"stdin"`
	StdinFdSlot   *uint64           `json:"stdin_fd_slot,omitempty"`
	StdoutFdSlot  *uint64           `json:"stdout_fd_slot,omitempty"`
	StderrFdSlot  *uint64           `json:"stderr_fd_slot,omitempty"`
	AdditionalFds []uint64          `json:"additional_fds,omitempty"`
	ExitPaths     []string          `json:"exit_paths,omitempty"`
	LogDrivers    []LogDriverConfig `json:"log_drivers,omitempty"`
	GlobalArgs    []string          `json:"global_args,omitempty"`
	CommandArgs   []string          `json:"command_args,omitempty"`
	EnvVars       []EnvVar          `json:"env_vars,omitempty"`
	CleanupCmd    []string          `json:"cleanup_cmd,omitempty"`
}

func (r *CreateContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *CreateContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// EnvVar is one entry of an env_vars list (spec.md §6.1).
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LogDriverConfig mirrors container_log.rs's capnp LogDriver struct
// (type/path/max_size).
type LogDriverConfig struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	MaxSize uint64 `json:"max_size"`
}

// CreateContainerResponse carries the grandchild PID, per rpc.rs's
// set_container_pid.
type CreateContainerResponse struct {
	ContainerPid int `json:"container_pid"`
}

func (r *CreateContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *CreateContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// ExecSyncContainerRequest mirrors generate_exec_sync_args's inputs.
type ExecSyncContainerRequest struct {
	ID         string   `json:"id"`
	Command    []string `json:"command"`
	TimeoutSec uint64   `json:"timeout_sec,omitempty"`
	Terminal   bool     `json:"terminal"`
	EnvVars    []EnvVar `json:"env_vars,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
}

func (r *ExecSyncContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ExecSyncContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// ExecSyncContainerResponse carries the exit code and captured output.
type ExecSyncContainerResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	TimedOut bool   `json:"timed_out"`
}

func (r *ExecSyncContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ExecSyncContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// ExecContainerRequest starts a detached exec; nothing of its output is
// returned, and it is not fed into the container's message channel.
type ExecContainerRequest struct {
	ID       string   `json:"id"`
	Command  []string `json:"command"`
	Terminal bool     `json:"terminal"`
}

func (r *ExecContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ExecContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// ExecContainerResponse returns the id under which the monitor records the
// detached exec's result; no RPC in this package takes that id.
type ExecContainerResponse struct {
	ExecID string `json:"exec_id"`
}

func (r *ExecContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ExecContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// AttachContainerRequest asks the monitor to dial socket_path and pipe the
// container's stream set over that connection (spec.md §6.1). additional_fds
// references slots in the FD-socket table (spec.md §4.6) the caller wants
// handed alongside the attach connection.
type AttachContainerRequest struct {
	ID                string   `json:"id"`
	SocketPath        string   `json:"socket_path"`
	StopAfterStdinEOF bool     `json:"stop_after_stdin_eof"`
	AdditionalFds     []uint64 `json:"additional_fds,omitempty"`
}

func (r *AttachContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *AttachContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// AttachContainerResponse carries no fields; success is implied by a nil
// error, matching rpc.rs's Promise<(), Error> style void responses.
type AttachContainerResponse struct{}

func (r *AttachContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *AttachContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// ReopenLogContainerRequest triggers SharedContainerLog.Reopen for a
// single container.
type ReopenLogContainerRequest struct {
	ID string `json:"id"`
}

func (r *ReopenLogContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ReopenLogContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

type ReopenLogContainerResponse struct{}

func (r *ReopenLogContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *ReopenLogContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// SetWindowSizeContainerRequest resizes a container's PTY.
type SetWindowSizeContainerRequest struct {
	ID   string `json:"id"`
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (r *SetWindowSizeContainerRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *SetWindowSizeContainerRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

type SetWindowSizeContainerResponse struct{}

func (r *SetWindowSizeContainerResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *SetWindowSizeContainerResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// CreateNamespacesRequest names a pod and the namespace types for which
// the monitor reports paths. No namespace is created, opened or
// bind-mounted in handling it.
type CreateNamespacesRequest struct {
	PodID      string   `json:"pod_id"`
	Namespaces []string `json:"namespaces"`
}

func (r *CreateNamespacesRequest) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *CreateNamespacesRequest) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }

// Namespace describes one namespace created on the caller's behalf.
type Namespace struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type CreateNamespacesResponse struct {
	Namespaces []Namespace `json:"namespaces"`
}

func (r *CreateNamespacesResponse) Marshal() ([]byte, error)   { return marshalJSON(r) }
func (r *CreateNamespacesResponse) Unmarshal(data []byte) error { return unmarshalJSON(data, r) }
