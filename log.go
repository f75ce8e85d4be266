package docsync

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `docsync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - backpressure and connectivity timeouts
//     - corrupt operations and persistence degradation
//     - abnormal exits
// Error:
//     unrecoverable crash details
// Debug:
//     key events for trace debugging and statistics
//     this includes:
//     - key system events with document and peer ids that can be used to filter
//     - frequent events - e.g. send, merge, presence update -
//       should be summarized as statistics printed every "n seconds"
//       rather than logging each individual data point
//
// High frequency transport paths use glog verbosity levels directly.

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
