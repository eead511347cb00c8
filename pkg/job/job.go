// Package job defines the units of mirror-mutating work.
//
// A Job is one of Compress, Delete or Move. The set is closed: executors
// switch over the concrete types and treat any other value as a bug.
package job

import "fmt"

// Kind names a job type in logs and metrics.
type Kind string

const (
	KindCompress Kind = "COMPRESS"
	KindDelete   Kind = "DELETE"
	KindMove     Kind = "MOVE"
)

// Job is an immutable unit of work against the mirror.
type Job interface {
	Kind() Kind
	// Keys returns the mirror keys the job touches.
	Keys() []string
	String() string

	sealed()
}

// Compress writes the compressed form of Source to the mirror key Dest,
// replacing any existing file.
type Compress struct {
	Source string // absolute source file path
	Dest   string // mirror key
}

// Delete removes the mirror key Path. With Dir set the key is removed
// recursively. Empty ancestors below the mirror root are pruned afterwards.
type Delete struct {
	Path string
	Dir  bool
}

// Move renames the mirror key From to To. It covers files and directories.
type Move struct {
	From string
	To   string
}

func (Compress) Kind() Kind { return KindCompress }
func (Delete) Kind() Kind   { return KindDelete }
func (Move) Kind() Kind     { return KindMove }

func (c Compress) Keys() []string { return []string{c.Dest} }
func (d Delete) Keys() []string   { return []string{d.Path} }
func (m Move) Keys() []string     { return []string{m.From, m.To} }

func (c Compress) String() string { return fmt.Sprintf("%s %s -> %s", KindCompress, c.Source, c.Dest) }
func (m Move) String() string     { return fmt.Sprintf("%s %s -> %s", KindMove, m.From, m.To) }
func (d Delete) String() string {
	if d.Dir {
		return fmt.Sprintf("%s %s/", KindDelete, d.Path)
	}
	return fmt.Sprintf("%s %s", KindDelete, d.Path)
}

func (Compress) sealed() {}
func (Delete) sealed()   {}
func (Move) sealed()     {}

// LogArgs returns the key/value attributes used when logging j.
func LogArgs(j Job) []any {
	switch j := j.(type) {
	case Compress:
		return []any{"source", j.Source, "dest", j.Dest}
	case Delete:
		return []any{"path", j.Path, "dir", j.Dir}
	case Move:
		return []any{"from", j.From, "to", j.To}
	default:
		return []any{"job", fmt.Sprintf("%v", j)}
	}
}
