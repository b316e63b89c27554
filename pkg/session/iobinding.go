package session

import (
	"fmt"
	"slices"

	"github.com/modelcloud/trainagent/pkg/tensor"
)

// IOBinding is the caller-owned named-slot table binding input values to a
// session run. It is read once at run start; mutating it afterwards does not
// affect an in-flight run.
type IOBinding struct {
	session *Session
	inputs  map[string]*tensor.Value
	outputs []string
}

// NewIOBinding builds an empty binding for the session.
func (s *Session) NewIOBinding() *IOBinding {
	return &IOBinding{
		session: s,
		inputs:  make(map[string]*tensor.Value),
	}
}

// BindInput binds a value to a named forward-subgraph input slot.
func (b *IOBinding) BindInput(name string, value *tensor.Value) error {
	if !slices.Contains(b.session.model.Forward.Inputs, name) {
		return fmt.Errorf("model has no input named %q (inputs: %v)", name, b.session.model.Forward.Inputs)
	}
	if value == nil {
		return fmt.Errorf("binding nil value to input %q", name)
	}
	b.inputs[name] = value
	return nil
}

// BindOutput requests a named output. Purely declarative here: run results
// are returned positionally by the agent regardless.
func (b *IOBinding) BindOutput(name string) error {
	if slices.Contains(b.outputs, name) {
		return nil
	}
	b.outputs = append(b.outputs, name)
	return nil
}

// ClearInputs drops all bound inputs so the binding can be reused between
// runs.
func (b *IOBinding) ClearInputs() {
	b.inputs = make(map[string]*tensor.Value)
}

// Snapshot captures the bound inputs, checking that every forward-subgraph
// input is bound. The returned map is independent of later binding mutation;
// values are cloned so the caller keeps ownership of what it bound.
func (b *IOBinding) Snapshot() (map[string]*tensor.Value, error) {
	feeds := make(map[string]*tensor.Value, len(b.inputs))
	for _, name := range b.session.model.Forward.Inputs {
		value, ok := b.inputs[name]
		if !ok {
			return nil, fmt.Errorf("model input %q is not bound", name)
		}
		feeds[name] = value.Clone()
	}
	return feeds, nil
}
