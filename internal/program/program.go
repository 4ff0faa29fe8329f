// Package program is the host-side exported program: an ordered list of
// operator calls over named values, plus the objects those calls use.
// Programs save to JSON through the registry's class hooks and reload into
// an Executable that runs in either mode.
package program

import (
	"encoding/json"
	"io"
	"slices"

	"github.com/pkg/errors"

	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// InputSpec declares a program input. Negative dims are dynamic.
type InputSpec struct {
	Name   string        `json:"name"`
	DType  tensor.DType  `json:"dtype"`
	Shape  []int64       `json:"shape"`
	Device tensor.Device `json:"device"`
}

func (s InputSpec) Descriptor() tensor.Descriptor {
	return tensor.NewDescriptor(s.DType, s.Shape, s.Device)
}

// ObjectSpec is an exported object in flattened form.
type ObjectSpec struct {
	Name   string           `json:"name"`
	Class  string           `json:"class"`
	Fields []registry.Field `json:"fields"`
}

// Node calls Op on Args (value names) and Objects (object names), binding
// its results to Outputs.
type Node struct {
	Name    string   `json:"name"`
	Op      string   `json:"op"`
	Args    []string `json:"args"`
	Objects []string `json:"objects,omitempty"`
	Outputs []string `json:"outputs"`
}

type Program struct {
	Name    string       `json:"name"`
	Inputs  []InputSpec  `json:"inputs"`
	Objects []ObjectSpec `json:"objects,omitempty"`
	Nodes   []Node       `json:"nodes"`
	Outputs []string     `json:"outputs"`
}

func Load(r io.Reader) (*Program, error) {
	var p Program
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decode program")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Program) Save(w io.Writer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(p), "encode program")
}

// AddObject flattens obj through reg and stores it under name.
func (p *Program) AddObject(reg *registry.Registry, name string, obj registry.Object) error {
	if slices.ContainsFunc(p.Objects, func(o ObjectSpec) bool { return o.Name == name }) {
		return errors.Errorf("program %q already has object %q", p.Name, name)
	}
	fields, err := reg.FlattenObject(obj)
	if err != nil {
		return err
	}
	p.Objects = append(p.Objects, ObjectSpec{Name: name, Class: obj.ClassName, Fields: fields})
	return nil
}

// Validate checks that every value is defined once, before use.
func (p *Program) Validate() error {
	defined := map[string]bool{}
	define := func(name, what string) error {
		if name == "" {
			return errors.Errorf("program %q: empty %s name", p.Name, what)
		}
		if defined[name] {
			return errors.Errorf("program %q: value %q defined twice", p.Name, name)
		}
		defined[name] = true
		return nil
	}
	for _, in := range p.Inputs {
		if err := define(in.Name, "input"); err != nil {
			return err
		}
		if !in.DType.Valid() {
			return errors.Errorf("program %q: input %q has unsupported dtype %q", p.Name, in.Name, in.DType)
		}
	}
	objects := map[string]bool{}
	for _, o := range p.Objects {
		if o.Name == "" || objects[o.Name] {
			return errors.Errorf("program %q: object name %q is empty or repeated", p.Name, o.Name)
		}
		objects[o.Name] = true
	}
	for i, n := range p.Nodes {
		if n.Op == "" {
			return errors.Errorf("program %q: node %d has no op", p.Name, i)
		}
		for _, a := range n.Args {
			if !defined[a] {
				return errors.Errorf("program %q: node %q uses %q before it is defined", p.Name, n.Name, a)
			}
		}
		for _, o := range n.Objects {
			if !objects[o] {
				return errors.Errorf("program %q: node %q uses unknown object %q", p.Name, n.Name, o)
			}
		}
		for _, out := range n.Outputs {
			if err := define(out, "node output"); err != nil {
				return err
			}
		}
	}
	if len(p.Outputs) == 0 {
		return errors.Errorf("program %q has no outputs", p.Name)
	}
	for _, out := range p.Outputs {
		if !defined[out] {
			return errors.Errorf("program %q: output %q is never defined", p.Name, out)
		}
	}
	return nil
}
