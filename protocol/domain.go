package protocol

// DomainRequest is a tagged union of the request shapes the server
// dispatcher and session state understand, one pointer field per
// variant. Exactly one field should be non-nil.
type DomainRequest struct {
	ProcSpawn     *ProcSpawn     `cbor:"proc_spawn,omitempty"`
	ProcStdin     *ProcStdin     `cbor:"proc_stdin,omitempty"`
	ProcResizePty *ProcResizePty `cbor:"proc_resize_pty,omitempty"`
	ProcKill      *ProcKill      `cbor:"proc_kill,omitempty"`
	Watch         *Watch         `cbor:"watch,omitempty"`
	Unwatch       *Unwatch       `cbor:"unwatch,omitempty"`
	Search        *Search        `cbor:"search,omitempty"`
	CancelSearch  *CancelSearch  `cbor:"cancel_search,omitempty"`
	SystemInfo    *SystemInfo    `cbor:"system_info,omitempty"`
}

// DomainResponse is the response-side tagged union.
type DomainResponse struct {
	Ok          *Ok              `cbor:"ok,omitempty"`
	ProcSpawned *ProcSpawned     `cbor:"proc_spawned,omitempty"`
	ProcStdout  *ProcOutput      `cbor:"proc_stdout,omitempty"`
	ProcStderr  *ProcOutput      `cbor:"proc_stderr,omitempty"`
	ProcDone    *ProcDone        `cbor:"proc_done,omitempty"`
	Changed     *Changed         `cbor:"changed,omitempty"`
	SearchMatch *SearchMatch     `cbor:"search_match,omitempty"`
	SearchDone  *SearchDone      `cbor:"search_done,omitempty"`
	SystemInfo  *SystemInfoReply `cbor:"system_info_reply,omitempty"`
	Error       *Error           `cbor:"error,omitempty"`
}

// Ok is an empty acknowledgement, used for requests with no interesting
// payload on success (unwatch, cancel-search, proc-kill).
type Ok struct{}

// ProcSpawn requests a new process. Pty, when non-nil, requests the
// process be run attached to a pseudo-terminal of the given size.
type ProcSpawn struct {
	Cmd      string   `cbor:"cmd"`
	Args     []string `cbor:"args"`
	Detached bool     `cbor:"detached"`
	Pty      *PtySize `cbor:"pty,omitempty"`
}

// PtySize is the initial (or resized) pseudo-terminal geometry.
type PtySize struct {
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// ProcSpawned is the immediate reply to a successful ProcSpawn.
type ProcSpawned struct {
	Id uint64 `cbor:"id"`
}

// ProcStdin forwards bytes to a running process's stdin.
type ProcStdin struct {
	Id   uint64 `cbor:"id"`
	Data []byte `cbor:"data"`
}

// ProcResizePty resizes a running process's pseudo-terminal.
type ProcResizePty struct {
	Id   uint64  `cbor:"id"`
	Size PtySize `cbor:"size"`
}

// ProcKill requests termination of a running process.
type ProcKill struct {
	Id uint64 `cbor:"id"`
}

// ProcOutput is one chunk of stdout or stderr from a running process.
type ProcOutput struct {
	Id   uint64 `cbor:"id"`
	Data []byte `cbor:"data"`
}

// ProcDone is the terminal response for a process, reporting its exit
// status.
type ProcDone struct {
	Id      uint64 `cbor:"id"`
	Success bool   `cbor:"success"`
	Code    *int32 `cbor:"code,omitempty"`
}

// Watch requests filesystem change notifications under Path.
type Watch struct {
	Path        string   `cbor:"path"`
	Recursive   bool     `cbor:"recursive"`
	IncludeMask []string `cbor:"include_mask,omitempty"`
	ExcludeMask []string `cbor:"exclude_mask,omitempty"`
}

// Unwatch cancels a previously-installed watch on Path.
type Unwatch struct {
	Path string `cbor:"path"`
}

// ChangeKind identifies the nature of a filesystem event.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
)

// Changed is a multi-response event delivered to a watch's mailbox.
type Changed struct {
	Paths []string   `cbor:"paths"`
	Kind  ChangeKind `cbor:"kind"`
}

// Search starts a ripgrep-style search. Results stream back as a
// sequence of SearchMatch responses terminated by SearchDone, using the
// same multi-response mailbox machinery as process stdout.
type Search struct {
	Query   string   `cbor:"query"`
	Paths   []string `cbor:"paths"`
	Options Header   `cbor:"options,omitempty"`
}

// CancelSearch stops an in-flight search by its request id (tracked by
// the caller, not assigned a separate handle).
type CancelSearch struct {
	Id uint64 `cbor:"id"`
}

// SearchMatch is one streamed search hit.
type SearchMatch struct {
	Path       string `cbor:"path"`
	LineNumber uint64 `cbor:"line_number"`
	Line       string `cbor:"line"`
}

// SearchDone terminates a search's response stream.
type SearchDone struct {
	MatchCount uint64 `cbor:"match_count"`
}

// SystemInfo requests static facts about the remote host.
type SystemInfo struct{}

// SystemInfoReply answers SystemInfo.
type SystemInfoReply struct {
	Family        string `cbor:"family"`
	Arch          string `cbor:"arch"`
	CurrentDir    string `cbor:"current_dir"`
	MainSeparator string `cbor:"main_separator"`
	Username      string `cbor:"username"`
	Shell         string `cbor:"shell"`
}
