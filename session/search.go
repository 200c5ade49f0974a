package session

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/distantsys/distant/protocol"
)

// SearchTable tracks in-flight searches so a CancelSearch can stop one.
type SearchTable struct {
	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	log     *log.Logger
}

// NewSearchTable constructs an empty table.
func NewSearchTable(logger *log.Logger) *SearchTable {
	if logger == nil {
		logger = log.Default()
	}
	return &SearchTable{cancels: make(map[uint64]context.CancelFunc), log: logger.With("component", "session.search")}
}

// Start walks req.Paths line by line for req.Query, streaming each hit
// as a SearchMatch and finishing with SearchDone. reqID is the owning
// request's id, used as the cancellation key.
func (t *SearchTable) Start(ctx context.Context, reqID uint64, req protocol.Search, reply Reply) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancels[reqID] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.cancels, reqID)
			t.mu.Unlock()
			cancel()
		}()

		var matches uint64
		for _, root := range req.Paths {
			if ctx.Err() != nil {
				break
			}
			_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
				if ctx.Err() != nil {
					return filepath.SkipDir
				}
				if err != nil || info.IsDir() {
					return nil
				}
				matches += t.searchFile(ctx, p, req.Query, reply)
				return nil
			})
		}
		reply.Send(protocol.DomainResponse{SearchDone: &protocol.SearchDone{MatchCount: matches}})
	}()
}

func (t *SearchTable) searchFile(ctx context.Context, path, query string, reply Reply) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var count uint64
	var lineNo uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return count
		}
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, query) {
			count++
			reply.Send(protocol.DomainResponse{SearchMatch: &protocol.SearchMatch{Path: path, LineNumber: lineNo, Line: line}})
		}
	}
	return count
}

// Cancel stops the search started under reqID, if still running.
func (t *SearchTable) Cancel(reqID uint64) error {
	t.mu.Lock()
	cancel, ok := t.cancels[reqID]
	t.mu.Unlock()
	if !ok {
		return protocol.New(protocol.KindNotFound, "no such search %d", reqID)
	}
	cancel()
	return nil
}
