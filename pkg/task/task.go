// Package task reads and writes deobfuscation task descriptions: the target
// architecture, the maturity the graph was lifted at, the dispatcher
// addresses and the serialized graph, plus the raw function bytes used for
// listings.
package task

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/l3aro/go-deflat/pkg/mir"
)

// Arch names a processor family.
type Arch string

const (
	ArchARM    Arch = "ARM"
	ArchMetaPC Arch = "metapc"
)

var (
	// ErrNoGraph is returned when a task carries no serialized graph.
	ErrNoGraph = errors.New("task has no graph")
	// ErrMalformed is returned when a task is not valid JSON.
	ErrMalformed = errors.New("parsing task")
)

// Segment describes a memory segment of the analysed binary.
type Segment struct {
	Name       string `json:"name"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	Base       uint64 `json:"base"`
	Para       uint64 `json:"para"`
	Sclass     int    `json:"sclass"`
	Perm       int    `json:"perm"`
	Align      int    `json:"align"`
	Type       int    `json:"type"`
	Addressing int    `json:"addressing"`
}

// Task is one deobfuscation request.
type Task struct {
	Arch        Arch              `json:"arch"`
	Bit         int               `json:"bit"`
	Version     string            `json:"version,omitempty"`
	Maturity    int               `json:"maturity"`
	Dispatchers []uint64          `json:"dispatchers"`
	MBA         string            `json:"mba"`
	Func        map[string]string `json:"func,omitempty"`
	Thumb       []uint64          `json:"t,omitempty"`
	Segments    []Segment         `json:"segments,omitempty"`
}

// Function is a decoded entry of Task.Func.
type Function struct {
	Addr  uint64
	Code  []byte
	Thumb bool
}

// Parse decodes and validates a task.
func Parse(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads a task file.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task: %w", err)
	}
	return Parse(data)
}

// New builds a task around g.
func New(g *mir.Graph, arch Arch, bit int, dispatchers []uint64) (*Task, error) {
	mba, err := EncodeGraph(g)
	if err != nil {
		return nil, err
	}
	return &Task{
		Arch:        arch,
		Bit:         bit,
		Maturity:    int(g.Maturity),
		Dispatchers: append([]uint64(nil), dispatchers...),
		MBA:         mba,
	}, nil
}

// Validate checks the fields every task needs.
func (t *Task) Validate() error {
	switch t.Arch {
	case ArchARM, ArchMetaPC:
	default:
		return fmt.Errorf("unsupported architecture %q", t.Arch)
	}
	if t.Bit != 32 && t.Bit != 64 {
		return fmt.Errorf("unsupported bitness %d", t.Bit)
	}
	if t.Maturity != 0 && !mir.Maturity(t.Maturity).Valid() {
		return fmt.Errorf("invalid maturity %d", t.Maturity)
	}
	if t.MBA == "" {
		return ErrNoGraph
	}
	return nil
}

// Graph decodes the task's graph. A non-zero task maturity overrides the
// one stored in the graph.
func (t *Task) Graph() (*mir.Graph, error) {
	if t.MBA == "" {
		return nil, ErrNoGraph
	}
	raw, err := base64.StdEncoding.DecodeString(t.MBA)
	if err != nil {
		return nil, fmt.Errorf("decoding mba: %w", err)
	}
	g, err := mir.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	if t.Maturity != 0 {
		g.Maturity = mir.Maturity(t.Maturity)
	}
	return g, nil
}

// SetGraph replaces the task's graph.
func (t *Task) SetGraph(g *mir.Graph) error {
	mba, err := EncodeGraph(g)
	if err != nil {
		return err
	}
	t.MBA = mba
	return nil
}

// Functions decodes the function bytes, ordered by address.
func (t *Task) Functions() ([]Function, error) {
	thumb := make(map[uint64]bool, len(t.Thumb))
	for _, ea := range t.Thumb {
		thumb[ea] = true
	}
	out := make([]Function, 0, len(t.Func))
	for key, b64 := range t.Func {
		ea, err := strconv.ParseUint(key, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("function address %q: %w", key, err)
		}
		code, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("function 0x%x: %w", ea, err)
		}
		fn := Function{Addr: ea, Code: code, Thumb: thumb[ea]}
		if fn.Thumb {
			fn.Addr &^= 1
		}
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

// AddFunction records the bytes of a function starting at ea.
func (t *Task) AddFunction(ea uint64, code []byte, thumb bool) {
	if t.Func == nil {
		t.Func = make(map[string]string)
	}
	key := ea
	if thumb {
		key |= 1
		t.Thumb = append(t.Thumb, key)
	}
	t.Func[strconv.FormatUint(key, 10)] = base64.StdEncoding.EncodeToString(code)
}

// Marshal encodes the task as indented JSON.
func (t *Task) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Save writes the task to path.
func (t *Task) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing task: %w", err)
	}
	return nil
}

// EncodeGraph serializes g into the base64 form carried by tasks and
// responses.
func EncodeGraph(g *mir.Graph) (string, error) {
	raw, err := mir.Marshal(g)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
