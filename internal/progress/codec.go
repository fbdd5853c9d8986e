package progress

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
)

// A progress line looks like
//
//	[(AB12CD, log, 3, 10:00:00)> Processing item 3]
//
// It is written to the line sinks and read back by external consumers.
const (
	linePrefix    = "[("
	headerEnd     = ")> "
	lineSuffix    = "]"
	fieldSep      = ", "
	headerFields  = 4
	clockLayout   = "%02d:%02d:%02d"
	maxJobIDChars = 64
)

var ErrMalformedLine = errors.New("malformed progress line")

// MalformedLineError describes why a line could not be decoded.
type MalformedLineError struct {
	Line   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("%s: %s: %q", ErrMalformedLine, e.Reason, e.Line)
}

func (e *MalformedLineError) Is(target error) bool {
	return target == ErrMalformedLine
}

// Clock is a wall clock time with second precision, the only time
// information a progress line carries.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

func (c Clock) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60 && c.Second >= 0 && c.Second < 60
}

func (c Clock) String() string {
	return fmt.Sprintf(clockLayout, c.Hour, c.Minute, c.Second)
}

func ParseClock(s string) (Clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Clock{}, fmt.Errorf("time %q is not HH:MM:SS", s)
	}
	var vals [3]int
	for i, p := range parts {
		if len(p) != 2 {
			return Clock{}, fmt.Errorf("time %q is not HH:MM:SS", s)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("time %q is not HH:MM:SS", s)
		}
		vals[i] = v
	}
	c := Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if !c.Valid() {
		return Clock{}, fmt.Errorf("time %q out of range", s)
	}
	return c, nil
}

// Entry is the structured form of a progress line.
type Entry struct {
	JobID   string
	Type    model.MessageType
	Row     int
	Time    Clock
	Message string
}

// EntryFromRecord builds the line describing the current state of a record.
func EntryFromRecord(r model.ProgressRecord, at time.Time) Entry {
	return Entry{
		JobID:   r.JobID,
		Type:    r.MessageType,
		Row:     r.Row,
		Time:    ClockOf(at),
		Message: r.Message,
	}
}

// Validate reports whether e can be encoded and decoded back unchanged.
func (e Entry) Validate() error {
	if e.JobID == "" || len(e.JobID) > maxJobIDChars || !isAlphanumeric(e.JobID) {
		return fmt.Errorf("job id %q is not alphanumeric", e.JobID)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.Row < 0 {
		return fmt.Errorf("negative row %d", e.Row)
	}
	if !e.Time.Valid() {
		return fmt.Errorf("invalid time %s", e.Time)
	}
	if strings.ContainsAny(e.Message, "\r\n") {
		return errors.New("message spans several lines")
	}
	return nil
}

// Encode renders e as a single progress line. Line breaks in the message are
// replaced by spaces so the output always stays on one line.
func Encode(e Entry) string {
	msg := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(e.Message)

	var b strings.Builder
	b.Grow(len(linePrefix) + len(e.JobID) + len(msg) + 32)
	b.WriteString(linePrefix)
	b.WriteString(e.JobID)
	b.WriteString(fieldSep)
	b.WriteString(string(e.Type))
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(e.Row))
	b.WriteString(fieldSep)
	b.WriteString(e.Time.String())
	b.WriteString(headerEnd)
	b.WriteString(msg)
	b.WriteString(lineSuffix)
	return b.String()
}

// Decode parses a progress line. Everything between the header and the final
// bracket is the message, so messages may contain brackets themselves.
func Decode(line string) (Entry, error) {
	malformed := func(reason string, args ...any) (Entry, error) {
		return Entry{}, &MalformedLineError{Line: line, Reason: fmt.Sprintf(reason, args...)}
	}

	if strings.ContainsAny(line, "\r\n") {
		return malformed("line break inside line")
	}
	if !strings.HasPrefix(line, linePrefix) {
		return malformed("missing %q", linePrefix)
	}
	if !strings.HasSuffix(line, lineSuffix) {
		return malformed("missing closing %q", lineSuffix)
	}

	body := line[len(linePrefix) : len(line)-len(lineSuffix)]
	header, message, found := strings.Cut(body, headerEnd)
	if !found {
		return malformed("missing %q", strings.TrimSpace(headerEnd))
	}

	fields := strings.Split(header, fieldSep)
	if len(fields) != headerFields {
		return malformed("expected %d header fields, got %d", headerFields, len(fields))
	}

	jobID := fields[0]
	if jobID == "" || !isAlphanumeric(jobID) {
		return malformed("job id %q is not alphanumeric", jobID)
	}

	msgType := model.MessageType(fields[1])
	if !msgType.IsValid() {
		return malformed("unknown message type %q", fields[1])
	}

	row, err := strconv.Atoi(fields[2])
	if err != nil || row < 0 || strings.HasPrefix(fields[2], "+") {
		return malformed("row %q is not a non-negative number", fields[2])
	}

	clock, err := ParseClock(fields[3])
	if err != nil {
		return malformed("%v", err)
	}

	return Entry{
		JobID:   jobID,
		Type:    msgType,
		Row:     row,
		Time:    clock,
		Message: message,
	}, nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
