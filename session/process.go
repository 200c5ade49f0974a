package session

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"github.com/distantsys/distant/protocol"
)

// processRecord is one entry in the process table. pty is non-nil
// only for a process spawned with a PtySize; a plain process has
// stdin/stdout split across cmd's own pipes instead.
type processRecord struct {
	id       protocol.ProcessId
	conn     protocol.ConnectionId
	detached bool
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pty      *os.File
	reply    Reply

	closeOnce sync.Once
}

// ProcessTable is the global process table plus the per-connection
// index used for cleanup, guarded by one read-write lock. The lock is
// never held across spawning a process or across a send to a
// subscriber channel.
type ProcessTable struct {
	mu        sync.RWMutex
	processes map[protocol.ProcessId]*processRecord
	byConn    map[protocol.ConnectionId][]protocol.ProcessId
	log       *log.Logger
}

// NewProcessTable constructs an empty table.
func NewProcessTable(logger *log.Logger) *ProcessTable {
	if logger == nil {
		logger = log.Default()
	}
	return &ProcessTable{
		processes: make(map[protocol.ProcessId]*processRecord),
		byConn:    make(map[protocol.ConnectionId][]protocol.ProcessId),
		log:       logger.With("component", "session.process"),
	}
}

// Spawn starts req.Cmd and registers it against connID. Stdout/stderr
// are streamed back as ProcOutput responses on reply; the terminal
// ProcDone is sent when the process exits, at which point the record is
// removed from both maps.
//
// When req.Pty is set the process runs attached to a pseudo-terminal
// at that size: stdout and stderr share the pty's single fd, and
// ResizePty becomes available for the process's lifetime. Without
// Pty, the process runs on plain pipes and ResizePty reports
// KindUnsupported.
func (t *ProcessTable) Spawn(connID protocol.ConnectionId, req protocol.ProcSpawn, reply Reply) (protocol.ProcessId, error) {
	cmd := exec.Command(req.Cmd, req.Args...)

	if req.Pty != nil {
		f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: req.Pty.Rows, Cols: req.Pty.Cols})
		if err != nil {
			return 0, protocol.Wrap(protocol.KindOther, err)
		}

		id := protocol.NewProcessId()
		rec := &processRecord{id: id, conn: connID, detached: req.Detached, cmd: cmd, stdin: f, pty: f, reply: reply}

		t.mu.Lock()
		t.processes[id] = rec
		t.byConn[connID] = append(t.byConn[connID], id)
		t.mu.Unlock()

		go t.pump(rec, f, false)
		go t.awaitExit(rec)
		return id, nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, protocol.Wrap(protocol.KindOther, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, protocol.Wrap(protocol.KindOther, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, protocol.Wrap(protocol.KindOther, err)
	}

	if err := cmd.Start(); err != nil {
		return 0, protocol.Wrap(protocol.KindNotFound, err)
	}

	id := protocol.NewProcessId()
	rec := &processRecord{id: id, conn: connID, detached: req.Detached, cmd: cmd, stdin: stdin, reply: reply}

	t.mu.Lock()
	t.processes[id] = rec
	t.byConn[connID] = append(t.byConn[connID], id)
	t.mu.Unlock()

	go t.pump(rec, stdout, false)
	go t.pump(rec, stderr, true)
	go t.awaitExit(rec)

	return id, nil
}

func (t *ProcessTable) pump(rec *processRecord, r io.Reader, stderr bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out := protocol.ProcOutput{Id: uint64(rec.id), Data: append([]byte(nil), buf[:n]...)}
			if stderr {
				rec.reply.Send(protocol.DomainResponse{ProcStderr: &out})
			} else {
				rec.reply.Send(protocol.DomainResponse{ProcStdout: &out})
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *ProcessTable) awaitExit(rec *processRecord) {
	err := rec.cmd.Wait()
	success := err == nil
	var code *int32
	if rec.cmd.ProcessState != nil {
		c := int32(rec.cmd.ProcessState.ExitCode())
		code = &c
	}
	rec.reply.Send(protocol.DomainResponse{ProcDone: &protocol.ProcDone{Id: uint64(rec.id), Success: success, Code: code}})

	t.mu.Lock()
	delete(t.processes, rec.id)
	ids := t.byConn[rec.conn]
	for i, id := range ids {
		if id == rec.id {
			t.byConn[rec.conn] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.byConn[rec.conn]) == 0 {
		delete(t.byConn, rec.conn)
	}
	t.mu.Unlock()
}

// Stdin forwards data to id's stdin, if the process is known and its
// stdin has not already been closed.
func (t *ProcessTable) Stdin(id protocol.ProcessId, data []byte) error {
	t.mu.RLock()
	rec, ok := t.processes[id]
	t.mu.RUnlock()
	if !ok {
		return protocol.New(protocol.KindNotFound, "no such process %d", id)
	}
	if _, err := rec.stdin.Write(data); err != nil {
		return protocol.Wrap(protocol.KindBrokenPipe, err)
	}
	return nil
}

// ResizePty resizes id's pseudo-terminal, or reports KindUnsupported if
// it was spawned without one.
func (t *ProcessTable) ResizePty(id protocol.ProcessId, size protocol.PtySize) error {
	t.mu.RLock()
	rec, ok := t.processes[id]
	t.mu.RUnlock()
	if !ok {
		return protocol.New(protocol.KindNotFound, "no such process %d", id)
	}
	if rec.pty == nil {
		return protocol.New(protocol.KindUnsupported, "process %d has no pty", id)
	}
	if err := pty.Setsize(rec.pty, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return protocol.Wrap(protocol.KindOther, err)
	}
	return nil
}

// Kill terminates id's process.
func (t *ProcessTable) Kill(id protocol.ProcessId) error {
	t.mu.RLock()
	rec, ok := t.processes[id]
	t.mu.RUnlock()
	if !ok {
		return protocol.New(protocol.KindNotFound, "no such process %d", id)
	}
	return t.kill(rec)
}

func (t *ProcessTable) kill(rec *processRecord) error {
	var err error
	rec.closeOnce.Do(func() {
		rec.stdin.Close()
		err = rec.cmd.Process.Kill()
	})
	return err
}

// DropConnection is the cleanup run when a client connection drops:
// for every process owned by connID, stdin is closed; non-detached
// processes are killed. The kill is async so that connection teardown
// is bounded only by the transport close, never by a slow process.
func (t *ProcessTable) DropConnection(connID protocol.ConnectionId) {
	t.mu.RLock()
	ids := append([]protocol.ProcessId(nil), t.byConn[connID]...)
	recs := make([]*processRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := t.processes[id]; ok {
			recs = append(recs, rec)
		}
	}
	t.mu.RUnlock()

	for _, rec := range recs {
		rec.stdin.Close()
		if !rec.detached {
			go func(r *processRecord) {
				if err := t.kill(r); err != nil {
					t.log.Debug("kill on disconnect failed", "process", r.id, "err", err)
				}
			}(rec)
		}
	}
}
