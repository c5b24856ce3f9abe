// Package worker launches and supervises isolated worker processes.
//
// A [Process] runs one command in its own process group. The parameter
// bundle is written as JSON to the child's stdin and a message channel is
// attached on descriptors 3 (child writes) and 4 (child reads); see
// package channel. Stdout and stderr are appended to a run log and the tail
// of stderr is kept as the error detail for a non-zero exit.
//
// # Supervision
//
// [Process.Poll] never blocks. Once the hard timeout passes it sends SIGTERM
// to the process group; if the group is still alive after the grace window,
// the next Poll sends SIGKILL. [Process.Terminate] starts the same escalation
// on request. A timed-out process reports a *errors.TimeoutError.
//
//	p := worker.New(worker.Spec{Name: "scoring", Command: "d3m-worker", Args: []string{"score"}, Timeout: 10 * time.Minute})
//	if err := p.Start(params); err != nil {
//	    return err // *errors.LaunchError
//	}
//	for p.Poll().Running {
//	    time.Sleep(time.Second)
//	}
package worker
