package ccp

import (
	"github.com/sagernet/quic-go/congestion"
	E "github.com/sagernet/sing/common/exceptions"
)

// Field is a named numeric value on the datapath, either a program register
// seeded at install time or a live field pushed through an update.
type Field struct {
	Name  string
	Value int64
}

// Datapath is the controller that executes measurement programs on the send
// path and applies field updates requested by a control loop. All calls are
// one-way: the control loop does not wait for the datapath to confirm them.
type Datapath interface {
	// Install replaces the active measurement program, optionally pre-seeding
	// named registers before the program starts executing.
	Install(program string, seeds []Field) error
	// UpdateFields pushes live field updates without reinstalling the program.
	UpdateFields(fields []Field) error
	// UpdateField is the single-field form of UpdateFields.
	UpdateField(name string, value int64) error
}

// DatapathInfo carries the per-flow constants the datapath knows at
// connection establishment.
type DatapathInfo struct {
	MSS         congestion.ByteCount
	InitialCwnd congestion.ByteCount
}

// Report is a snapshot of a measurement program's report fields, delivered
// to the control loop when one of the program's report triggers fires.
// Which fields are present depends on the installed program.
type Report map[string]int64

// Field returns the named report field. A missing field means the installed
// program and the report handler disagree, which is a contract violation and
// not a recoverable condition.
func (r Report) Field(name string) (int64, error) {
	value, loaded := r[name]
	if !loaded {
		return 0, E.New("report missing field ", name)
	}
	return value, nil
}
