package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogHook routes an instance's logrus records into the host logger
// callback, filtered by the level the instance was registered with.
// Records below the threshold never reach the dispatcher.
type LogHook struct {
	dispatcher *Dispatcher
	min        LogLevel
}

// NewLogHook creates a hook forwarding records at or above min severity.
func NewLogHook(d *Dispatcher, min LogLevel) *LogHook {
	if !min.Valid() {
		min = LevelTrace
	}
	return &LogHook{dispatcher: d, min: min}
}

// Levels implements logrus.Hook, limiting delivery to the registered
// threshold.
func (h *LogHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if fromLogrusLevel(l) <= h.min {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire implements logrus.Hook.
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.dispatcher.Log(fromLogrusLevel(entry.Level), formatEntry(entry))
	return nil
}

// fromLogrusLevel maps logrus severities onto the engine's scale. Panic
// and Fatal both collapse into Critical.
func fromLogrusLevel(l logrus.Level) LogLevel {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return LevelCritical
	case logrus.ErrorLevel:
		return LevelError
	case logrus.WarnLevel:
		return LevelWarning
	case logrus.InfoLevel:
		return LevelInfo
	case logrus.DebugLevel:
		return LevelDebug
	default:
		return LevelTrace
	}
}

// formatEntry renders a record as "message @ [key => value, ...]", with
// fields sorted for stable output.
func formatEntry(e *logrus.Entry) string {
	if len(e.Data) == 0 {
		return e.Message
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.Message)
	b.WriteString(" @ [")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s => %v", k, e.Data[k])
	}
	b.WriteString("]")
	return b.String()
}
