// Package notify carries user-facing notifications ("toasts") out of the client.
// Every failed API call produces exactly one notification; callers must not
// duplicate it.
package notify

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/observability"
)

// Variant selects how prominently a notification is shown.
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Notification is a single user-facing message.
type Notification struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Variant     Variant `json:"variant"`
}

// Error builds the destructive notification used for failures.
func Error(description string) Notification {
	return Notification{Title: "Error", Description: description, Variant: VariantDestructive}
}

// Notifier receives notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to the Notifier interface.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(n Notification) {
	fields := []zap.Field{zap.String("title", n.Title), zap.String("description", n.Description)}
	if n.Variant == VariantDestructive {
		l.logger.Error("Notification", fields...)
		return
	}
	l.logger.Info("Notification", fields...)
}

// WriterNotifier prints notifications as single terminal lines.
type WriterNotifier struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewWriterNotifier creates a WriterNotifier. When color is set destructive
// notifications are highlighted in red.
func NewWriterNotifier(w io.Writer, color bool) *WriterNotifier {
	return &WriterNotifier{w: w, color: color}
}

func (wn *WriterNotifier) Notify(n Notification) {
	title := n.Title
	if wn.color && n.Variant == VariantDestructive {
		title = observability.Colorize("red", title)
	}
	wn.mu.Lock()
	defer wn.mu.Unlock()
	if n.Description == "" {
		fmt.Fprintf(wn.w, "[%s]\n", title)
		return
	}
	fmt.Fprintf(wn.w, "[%s] %s\n", title, n.Description)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Len reports how many notifications were recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
