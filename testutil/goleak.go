package testutil

import "go.uber.org/goleak"

// GoleakOptions is a common list of options to pass to goleak. This is useful
// if there is a known leaky function we want to exclude from goleak.
var GoleakOptions = []goleak.Option{
	// lumberjack starts a mill goroutine on first write that Close does not
	// stop. https://github.com/natefinch/lumberjack/pull/100
	goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).mill.func1"),
}
