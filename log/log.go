// Package log mirrors process log output to stdout and to an optional
// transcript sink (a Discord channel, in the original bot; anything
// implementing TranscriptSink here), the way the source bot's logger
// posted error output to its log channel.
package log

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
)

// TranscriptSink receives rendered log lines for out-of-process
// visibility. The voice pipeline core never depends on a concrete chat
// transport directly; callers wire in an adapter (e.g. one backed by
// *discordgo.Session) at startup.
type TranscriptSink interface {
	Post(msg string) error
}

var (
	mu   sync.RWMutex
	sink TranscriptSink
)

// Init wires a transcript sink. Safe to call before the sink is ready;
// Post errors from a not-yet-ready sink are the sink's own concern.
func Init(s TranscriptSink) {
	mu.Lock()
	sink = s
	mu.Unlock()
	log.SetOutput(&sinkWriter{})
	log.SetFlags(0)
}

// Error logs an error to stdout and to the transcript sink, tagging the
// call site the way the source implementation's runtime.Caller lookup
// does.
func Error(context string, err error) {
	_, file, line, ok := runtime.Caller(1)
	var caller string
	if ok {
		parts := strings.Split(file, "/")
		if len(parts) > 2 {
			file = strings.Join(parts[len(parts)-2:], "/")
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}
	log.Printf("[ERROR] in %s: %s\n%v\n", caller, context, err)
}

// Fatal logs an error then exits the process. Only ever called from
// startup code before the connection has reached Connected once — per
// spec.md §7, no error aborts the process after that point.
func Fatal(context string, err error) {
	Error(context, err)
	os.Exit(1)
}

// Info logs an informational line without the [ERROR] tag.
func Info(msg string) {
	log.Println(msg)
}

type sinkWriter struct{}

func (w *sinkWriter) Write(p []byte) (int, error) {
	msg := string(p)
	fmt.Print(msg)

	mu.RLock()
	s := sink
	mu.RUnlock()
	if s != nil {
		if len(msg) > 1900 {
			msg = msg[:1900] + "..."
		}
		_ = s.Post("```\n" + msg + "```")
	}
	return len(p), nil
}
