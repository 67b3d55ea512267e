package gdb

import (
	"errors"
	"os"
)

// FileEndpoint is an Endpoint over a raw descriptor pair, for backends
// started by someone else with their machine interface on pipes.
type FileEndpoint struct {
	in  *os.File // written to: the backend's stdin
	out *os.File // read from: the backend's stdout
}

// NewFileEndpoint returns an endpoint writing commands to in and reading
// records from out.
func NewFileEndpoint(in, out *os.File) *FileEndpoint {
	return &FileEndpoint{in: in, out: out}
}

func (e *FileEndpoint) Read(p []byte) (int, error)  { return e.out.Read(p) }
func (e *FileEndpoint) Write(p []byte) (int, error) { return e.in.Write(p) }

// Terminate closes both descriptors.
func (e *FileEndpoint) Terminate() error {
	var errs []error
	for _, f := range []*os.File{e.in, e.out} {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
