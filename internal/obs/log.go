package obs

import (
	"strings"

	"github.com/labstack/gommon/log"
)

// NewLogger создаёт логгер компонента с префиксом и уровнем из конфига.
func NewLogger(prefix, level string) *log.Logger {
	l := log.New(prefix)
	l.SetHeader(`${time_rfc3339} ${level} ${prefix} ${short_file}:${line}`)
	l.SetLevel(ParseLevel(level))
	return l
}

func ParseLevel(level string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off", "none":
		return log.OFF
	default:
		return log.INFO
	}
}
