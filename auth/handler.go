package auth

import "github.com/charmbracelet/log"

// Handler is the client-side callback contract for driving interactive
// authentication. Every method must be implemented; the "Default"
// notes below describe the behavior StaticHandler provides.
type Handler interface {
	// OnInitialization receives the server's advertised methods and
	// returns the subset to attempt, in preference order.
	OnInitialization(methods []string) []string

	// OnChallenge receives the question set and returns one answer per
	// question, in order.
	OnChallenge(questions []Question) []string

	// OnVerification asks the caller to confirm something out of band
	// (e.g. a host fingerprint) and returns whether it is valid.
	OnVerification(kind, text string) bool

	// OnStartMethod is called when the server begins running a given
	// method. Default: no-op.
	OnStartMethod(id string)

	// OnInfo delivers a fire-and-forget informational message. Default:
	// log at Info level.
	OnInfo(text string)

	// OnError delivers a fatal or non-fatal error. Default: log at Warn
	// (non-fatal) or Error (fatal) level.
	OnError(kind ErrorKind, text string)

	// OnFinished is called once authentication completes successfully.
	// Default: no-op.
	OnFinished()
}

// StaticHandler is a Handler driven by pre-supplied answers, the
// common case for a scripted client: it knows its static key (and/or
// reauthentication token) up front and needs no interactive prompting.
type StaticHandler struct {
	// Methods is the method preference order to offer the server.
	Methods []string
	// Key answers any "key" challenge question (used by both
	// static_key and reauthentication).
	Key string
	// Logger receives Info/Error events if set; when it is nil they
	// are silently dropped.
	Logger *log.Logger

	verifyAll bool
}

// NewStaticHandler builds a StaticHandler that always approves host
// verification prompts (suitable for tests and first-connect flows
// where the caller has already pinned the destination out of band).
func NewStaticHandler(methods []string, key string, logger *log.Logger) *StaticHandler {
	return &StaticHandler{Methods: methods, Key: key, Logger: logger, verifyAll: true}
}

func (h *StaticHandler) OnInitialization(methods []string) []string {
	var selected []string
	for _, want := range h.Methods {
		for _, have := range methods {
			if want == have {
				selected = append(selected, want)
			}
		}
	}
	return selected
}

func (h *StaticHandler) OnChallenge(questions []Question) []string {
	answers := make([]string, len(questions))
	for i := range questions {
		answers[i] = h.Key
	}
	return answers
}

func (h *StaticHandler) OnVerification(kind, text string) bool { return h.verifyAll }

func (h *StaticHandler) OnStartMethod(id string) {}

func (h *StaticHandler) OnInfo(text string) {
	if h.Logger != nil {
		h.Logger.Info(text)
	}
}

func (h *StaticHandler) OnError(kind ErrorKind, text string) {
	if h.Logger == nil {
		return
	}
	if kind == Fatal {
		h.Logger.Error("authentication error", "kind", kind, "text", text)
	} else {
		h.Logger.Warn("authentication error", "kind", kind, "text", text)
	}
}

func (h *StaticHandler) OnFinished() {}
