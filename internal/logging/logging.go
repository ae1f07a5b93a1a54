package logging

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Configure sets up rotating file logging at the given path. Sync runs can
// log one line per episode, so backups are kept compressed.
func Configure(path string) {
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
