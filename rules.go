package gorules

import (
	"github.com/quasilyte/go-ruleguard/dsl"
)

// Use xerrors everywhere! It provides additional stacktrace info!
//
//nolint:unused,deadcode,varnamelen
func xerrors(m dsl.Matcher) {
	m.Import("errors")
	m.Import("fmt")
	m.Import("golang.org/x/xerrors")

	m.Match("fmt.Errorf($*args)").
		Suggest("xerrors.Errorf($args)").
		Report("Use xerrors to provide additional stacktrace information!")

	m.Match("errors.New($msg)").
		Where(m["msg"].Type.Is("string")).
		Suggest("xerrors.New($msg)").
		Report("Use xerrors to provide additional stacktrace information!")
}

// Timers and tickers go through the injected quartz clock so tests can drive
// them.
//
//nolint:unused,deadcode,varnamelen
func quartzClock(m dsl.Matcher) {
	m.Import("time")

	m.Match(`time.NewTimer($_)`, `time.NewTicker($_)`, `time.AfterFunc($_, $_)`, `time.After($_)`, `time.Tick($_)`).
		Where(!m.File().Name.Matches(`_test\.go$`) && !m.File().PkgPath.Matches(`/testutil$`)).
		Report("Use a quartz.Clock instead of the time package so the timer can be mocked.")
}

// The proxy logs through cdr.dev/slog only.
//
//nolint:unused,deadcode,varnamelen
func stdLogger(m dsl.Matcher) {
	m.Import("log")

	m.Match(`log.Print($*_)`, `log.Printf($*_)`, `log.Println($*_)`, `log.Fatal($*_)`, `log.Fatalf($*_)`).
		Report("Use a slog.Logger passed in by the caller.")
}
