package channel

import (
	"fmt"
	"io"
	"os"
)

// Descriptor numbers of the channel ends inside a child process. They are the
// first two entries of exec.Cmd.ExtraFiles.
const (
	ChildWriteFD = 3
	ChildReadFD  = 4
)

// EnvChannel is set in a child's environment when a channel is attached.
const EnvChannel = "PIPESEARCH_CHANNEL"

// Endpoint is the parent half of a channel to a child process together with
// the files the child inherits.
type Endpoint struct {
	*Channel

	// ChildFiles must be passed to exec.Cmd.ExtraFiles in this order.
	ChildFiles []*os.File
}

// NewPipe creates the OS pipes for a child process. After the child is
// started the caller must call ReleaseChildFiles so that the parent sees EOF
// when the child exits.
func NewPipe() (*Endpoint, error) {
	// child -> parent
	upR, upW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create channel pipe: %w", err)
	}
	// parent -> child
	downR, downW, err := os.Pipe()
	if err != nil {
		_ = upR.Close()
		_ = upW.Close()
		return nil, fmt.Errorf("create channel pipe: %w", err)
	}

	return &Endpoint{
		Channel:    New(upR, downW),
		ChildFiles: []*os.File{upW, downR},
	}, nil
}

// ReleaseChildFiles closes the parent's copies of the child's pipe ends.
func (e *Endpoint) ReleaseChildFiles() {
	for _, f := range e.ChildFiles {
		_ = f.Close()
	}
	e.ChildFiles = nil
}

// Child opens the channel inherited from the parent process.
func Child() (*Channel, error) {
	if os.Getenv(EnvChannel) == "" {
		return nil, fmt.Errorf("no channel attached (%s unset)", EnvChannel)
	}
	w := os.NewFile(ChildWriteFD, "channel-out")
	r := os.NewFile(ChildReadFD, "channel-in")
	if w == nil || r == nil {
		return nil, fmt.Errorf("channel descriptors %d/%d not open", ChildWriteFD, ChildReadFD)
	}
	return New(r, w), nil
}

// InProcess returns two connected channels backed by in-memory pipes.
func InProcess() (parent, child *Channel) {
	upR, upW := io.Pipe()
	downR, downW := io.Pipe()
	return New(upR, downW), New(downR, upW)
}
