package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/distantsys/distant/protocol"
)

// subscriber is one entry under a watched canonical path. raw is the
// path as the client supplied it (absolute but with symlinks intact);
// events are matched against both raw and the canonical form.
type subscriber struct {
	conn      protocol.ConnectionId
	raw       string
	reply     Reply
	recursive bool
	include   map[string]struct{}
	exclude   map[string]struct{}
}

func maskSet(mask []string) map[string]struct{} {
	if len(mask) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(mask))
	for _, k := range mask {
		m[k] = struct{}{}
	}
	return m
}

func (s *subscriber) admits(kind protocol.ChangeKind) bool {
	if s.exclude != nil {
		if _, excluded := s.exclude[string(kind)]; excluded {
			return false
		}
	}
	if s.include != nil {
		_, included := s.include[string(kind)]
		return included
	}
	return true
}

// appliesToPath reports whether an event at p concerns watched: p must
// be the watched path or lie below it. The depth limit for
// non-recursive subscriptions (at most one relative component) is
// applied separately in handle, via relDepth.
func appliesToPath(watched, p string) bool {
	rel, err := filepath.Rel(watched, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func relDepth(watched, p string) int {
	rel, err := filepath.Rel(watched, p)
	if err != nil {
		return 1 << 30
	}
	if rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

// watchedRoot is the state kept per canonical path: its subscribers
// and the set of directories registered with the notifier on its
// behalf. The whole subtree is registered up front (the notifier only
// watches single directories); each subscriber's own recursive flag is
// enforced at notify time instead.
type watchedRoot struct {
	subs []*subscriber
	dirs []string
}

// WatchTable maps each watched canonical path to its subscribers and
// fans filesystem events out to them. The canonical path is resolved
// once, at watch time, and never re-resolved for the lifetime of the
// watcher. The notifier itself is created lazily on the first Watch so
// a server that never receives one holds no inotify descriptor.
type WatchTable struct {
	mu       sync.Mutex
	watchers map[string]*watchedRoot
	dirRefs  map[string]int
	fw       *fsnotify.Watcher

	log  *log.Logger
	done chan struct{}
}

// NewWatchTable constructs an empty table.
func NewWatchTable(logger *log.Logger) *WatchTable {
	if logger == nil {
		logger = log.Default()
	}
	return &WatchTable{
		watchers: make(map[string]*watchedRoot),
		dirRefs:  make(map[string]int),
		log:      logger.With("component", "session.watch"),
		done:     make(chan struct{}),
	}
}

// Watch registers a subscriber under req.Path's canonical form.
func (w *WatchTable) Watch(connID protocol.ConnectionId, req protocol.Watch, reply Reply) error {
	raw, err := filepath.Abs(req.Path)
	if err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err)
	}
	canonical, err := filepath.EvalSymlinks(raw)
	if err != nil {
		return protocol.New(protocol.KindNotFound, "no such path %q", req.Path)
	}

	sub := &subscriber{
		conn:      connID,
		raw:       raw,
		reply:     reply,
		recursive: req.Recursive,
		include:   maskSet(req.IncludeMask),
		exclude:   maskSet(req.ExcludeMask),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return protocol.Wrap(protocol.KindOther, err)
		}
		w.fw = fw
		go w.run(fw)
	}
	root, ok := w.watchers[canonical]
	if !ok {
		root = &watchedRoot{}
		if err := w.addTreeLocked(root, canonical); err != nil {
			w.releaseTreeLocked(root)
			return protocol.Wrap(protocol.KindOther, err)
		}
		w.watchers[canonical] = root
	}
	root.subs = append(root.subs, sub)
	return nil
}

// addTreeLocked registers path (and, when it is a directory, every
// directory below it) with the notifier on behalf of root.
func (w *WatchTable) addTreeLocked(root *watchedRoot, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return w.addDirLocked(root, path)
	}
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		return w.addDirLocked(root, p)
	})
}

func (w *WatchTable) addDirLocked(root *watchedRoot, dir string) error {
	if w.dirRefs[dir] == 0 {
		if err := w.fw.Add(dir); err != nil {
			return err
		}
	}
	w.dirRefs[dir]++
	root.dirs = append(root.dirs, dir)
	return nil
}

func (w *WatchTable) releaseTreeLocked(root *watchedRoot) {
	for _, dir := range root.dirs {
		w.dirRefs[dir]--
		if w.dirRefs[dir] <= 0 {
			delete(w.dirRefs, dir)
			_ = w.fw.Remove(dir)
		}
	}
	root.dirs = nil
}

// Unwatch removes every subscriber connID installed on req.Path. When a
// path has no subscribers left, watching stops.
func (w *WatchTable) Unwatch(connID protocol.ConnectionId, req protocol.Unwatch) error {
	raw, err := filepath.Abs(req.Path)
	if err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err)
	}
	canonical, err := filepath.EvalSymlinks(raw)
	if err != nil {
		// Path may be gone already; fall back to matching what the
		// client originally supplied.
		canonical = raw
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeConnLocked(canonical, connID)
	return nil
}

// DropConnection removes connID's subscribers from every watched path.
func (w *WatchTable) DropConnection(connID protocol.ConnectionId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.watchers {
		w.removeConnLocked(path, connID)
	}
}

func (w *WatchTable) removeConnLocked(path string, connID protocol.ConnectionId) {
	root, ok := w.watchers[path]
	if !ok {
		return
	}
	kept := root.subs[:0]
	for _, s := range root.subs {
		if s.conn != connID {
			kept = append(kept, s)
		}
	}
	root.subs = kept
	if len(kept) == 0 {
		w.releaseTreeLocked(root)
		delete(w.watchers, path)
	}
}

// Close stops the event loop and releases the notifier.
func (w *WatchTable) Close() {
	close(w.done)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw != nil {
		_ = w.fw.Close()
		w.fw = nil
	}
}

func (w *WatchTable) run(fw *fsnotify.Watcher) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "err", err)
		}
	}
}

func changeKind(op fsnotify.Op) protocol.ChangeKind {
	switch {
	case op&fsnotify.Create != 0:
		return protocol.ChangeCreate
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return protocol.ChangeRemove
	default:
		// Write and Chmod both surface as a modification.
		return protocol.ChangeModify
	}
}

func (w *WatchTable) handle(ev fsnotify.Event) {
	kind := changeKind(ev.Op)

	var fan []*subscriber

	w.mu.Lock()
	for canonical, root := range w.watchers {
		if appliesToPath(canonical, ev.Name) && ev.Op&fsnotify.Create != 0 {
			// A directory created under a watched root extends the
			// registered subtree, including children that appeared
			// before registration completed.
			if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
				if err := w.addTreeLocked(root, ev.Name); err != nil {
					w.log.Warn("extend watch", "path", ev.Name, "err", err)
				}
			}
		}
		for _, s := range root.subs {
			var watched string
			switch {
			case appliesToPath(canonical, ev.Name):
				watched = canonical
			case appliesToPath(s.raw, ev.Name):
				watched = s.raw
			default:
				continue
			}
			if !s.recursive && relDepth(watched, ev.Name) > 1 {
				continue
			}
			if !s.admits(kind) {
				continue
			}
			fan = append(fan, s)
		}
	}
	w.mu.Unlock()

	// Send outside the lock so one slow subscriber can never stall
	// table mutation.
	for _, s := range fan {
		s.reply.Send(protocol.DomainResponse{Changed: &protocol.Changed{Paths: []string{ev.Name}, Kind: kind}})
	}
}
