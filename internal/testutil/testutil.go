// Package testutil provides testing utilities shared by package tests.
package testutil

import "os"

// EnvHelper marks a test binary re-executed as a fake worker process.
const EnvHelper = "PIPESEARCH_HELPER_PROCESS"

// HelperCommand returns the command, args and env that re-execute the current
// test binary as a fake worker running mode. The package under test must
// define TestHelperProcess, which dispatches on HelperMode.
func HelperCommand(mode string, extra ...string) (string, []string, []string) {
	args := append([]string{"-test.run=^TestHelperProcess$", "--", mode}, extra...)
	return os.Args[0], args, []string{EnvHelper + "=1"}
}

// HelperMode reports whether the process is a helper and which mode and
// arguments it was started with.
func HelperMode() (string, []string, bool) {
	if os.Getenv(EnvHelper) != "1" {
		return "", nil, false
	}
	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		return "", nil, false
	}
	return args[0], args[1:], true
}
