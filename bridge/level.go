package bridge

// LogLevel is the engine-side log severity scale, ordered from most to
// least severe. Values are fixed wire constants shared with the host.
type LogLevel int

const (
	LevelCritical LogLevel = 1
	LevelError    LogLevel = 2
	LevelWarning  LogLevel = 3
	LevelInfo     LogLevel = 4
	LevelDebug    LogLevel = 5
	LevelTrace    LogLevel = 6
)

// Valid reports whether l is one of the defined levels.
func (l LogLevel) Valid() bool {
	return l >= LevelCritical && l <= LevelTrace
}

// String returns the level's lowercase name.
func (l LogLevel) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}
