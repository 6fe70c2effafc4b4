package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Formatter renders one entry, including its trailing newline.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// Entry is a single log record.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
	Attempt Attempt
	Fields  []Field
}

var levelColors = map[Level]color.Attribute{
	LevelDebug: color.FgCyan,
	LevelInfo:  color.FgBlue,
	LevelWarn:  color.FgYellow,
	LevelError: color.FgRed,
}

// TextFormatter renders
//
//	15:04:05 [INFO] 3f2a9c1e Downloading | download started dest=/opt/app/app.zip
//
// The attempt column is omitted outside of an update run.
type TextFormatter struct {
	TimestampFormat string
	Colors          bool
}

// Format converts the Entry into a single text line.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = "15:04:05"
	}

	var buf bytes.Buffer
	buf.WriteString(entry.Time.Format(layout))
	buf.WriteString(" [")
	buf.WriteString(f.paint(entry.Level.String(), levelColors[entry.Level]))
	buf.WriteString("] ")

	if a := entry.Attempt; a.ID != "" || a.State != "" {
		var tag []string
		if a.ID != "" {
			tag = append(tag, a.ShortID())
		}
		if a.State != "" {
			tag = append(tag, a.State)
		}
		buf.WriteString(f.paint(strings.Join(tag, " "), color.Bold))
		buf.WriteString(" | ")
	}

	buf.WriteString(entry.Message)

	for _, field := range entry.Fields {
		buf.WriteByte(' ')
		buf.WriteString(f.paint(field.Key+"="+textValue(field.Value), color.Faint))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) paint(s string, attr color.Attribute) string {
	if !f.Colors {
		return s
	}
	// Colors was decided from the logger's own output, not os.Stdout.
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

// textValue quotes values that would otherwise break key=value parsing.
func textValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// JSONFormatter renders one JSON object per line. Attempt identifiers are
// nested under "attempt".
type JSONFormatter struct {
	TimestampFormat string
}

// Format converts the Entry into JSON.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = time.RFC3339Nano
	}

	data := make(map[string]interface{}, len(entry.Fields)+4)
	for _, field := range entry.Fields {
		data[field.Key] = field.Value
	}
	data["time"] = entry.Time.Format(layout)
	data["level"] = entry.Level.String()
	data["msg"] = entry.Message

	if a := entry.Attempt; !a.IsZero() {
		attempt := make(map[string]string, 3)
		if a.ID != "" {
			attempt["id"] = a.ID
		}
		if a.Version != "" {
			attempt["installed_version"] = a.Version
		}
		if a.State != "" {
			attempt["state"] = a.State
		}
		data["attempt"] = attempt
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
