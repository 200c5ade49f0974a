//go:build windows

package transport

import (
	"context"
	"errors"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// pipeTransport wraps a Windows named pipe handle. One instance is
// created per accepted connection by pipeListener below. Reconnect is
// unsupported here; only stream types that can redial (TCP) support
// it.
type pipeTransport struct {
	handle windows.Handle
}

func (t *pipeTransport) TryRead(p []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(t.handle, p, &n, nil)
	if err == windows.ERROR_IO_PENDING || err == windows.ERROR_NO_DATA {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (t *pipeTransport) TryWrite(p []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(t.handle, p, &n, nil)
	if err == windows.ERROR_IO_PENDING {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (t *pipeTransport) Ready(ctx context.Context, interest Interest) (Ready, error) {
	return readyByPolling(ctx, t, interest)
}

func (t *pipeTransport) Reconnect(ctx context.Context) error { return ErrUnsupported }

func (t *pipeTransport) Close() error {
	return windows.CloseHandle(t.handle)
}

// dialPipe connects to a server-side named pipe, retrying on
// ERROR_PIPE_BUSY with a 50ms backoff.
func dialPipe(ctx context.Context, name string) (Transport, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	for {
		h, err := windows.CreateFile(p,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil, windows.OPEN_EXISTING, windows.FILE_FLAG_OVERLAPPED, 0)
		if err == nil {
			return &pipeTransport{handle: h}, nil
		}
		if !errors.Is(err, syscall.Errno(windows.ERROR_PIPE_BUSY)) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pipeBusyBackoff):
		}
	}
}

// createPipeInstance creates one server-side named pipe instance ready
// to accept a single client, used by the Windows pipe Listener to
// replace the listening instance atomically after each accept.
func createPipeInstance(name string) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	sa := &windows.SecurityAttributes{Length: uint32(unsafe.Sizeof(windows.SecurityAttributes{}))}
	return windows.CreateNamedPipe(p,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		4096, 4096, 0, sa)
}

// pipeListener creates one pipe instance per accept, replacing the
// listening instance atomically once a client connects so the listener
// never misses an incoming connection.
type pipeListener struct {
	name    string
	current windows.Handle
}

// ListenPipe creates the first instance of a named pipe at name.
func ListenPipe(name string) (Listener, error) {
	h, err := createPipeInstance(name)
	if err != nil {
		return nil, err
	}
	return &pipeListener{name: name, current: h}, nil
}

func (l *pipeListener) Accept(ctx context.Context) (Transport, error) {
	type result struct {
		err error
	}
	ch := make(chan result, 1)
	go func() {
		err := windows.ConnectNamedPipe(l.current, nil)
		if err == windows.ERROR_PIPE_CONNECTED {
			err = nil
		}
		ch <- result{err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
	}
	connected := l.current
	next, err := createPipeInstance(l.name)
	if err != nil {
		// Keep serving the connected handle even if we fail to queue the
		// next instance; the following Accept will retry creation.
		l.current = 0
		return &pipeTransport{handle: connected}, nil
	}
	l.current = next
	return &pipeTransport{handle: connected}, nil
}

func (l *pipeListener) Close() error {
	if l.current != 0 {
		windows.CloseHandle(l.current)
	}
	return nil
}
