// Package rpcservice implements the server-side service registry: turning
// a registered Go value into a depiction keyed by every interface it
// implements, and each interface's methods keyed by an identity scheme —
// "Name(ParamType1,ParamType2,...)" — so overloaded methods (impossible
// in Go, but the wire identity scheme still carries the full parameter
// list) resolve unambiguously.
//
// A registered method may take any ordered list of JSON-serializable
// parameters and return either (T, error) or just error, rather than
// the fixed func(*Args, *Reply) error shape Go's net/rpc convention
// dictates.
package rpcservice

import (
	"fmt"
	"reflect"
	"strings"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Method is the reflection metadata for one dispatchable method.
type Method struct {
	ID         string // "MethodName(Type1,Type2)"
	Name       string
	ArgTypes   []reflect.Type
	HasResult  bool // false for methods that only return error ("void")
	reflect    reflect.Method
}

// Depiction is a registered target plus its dispatchable methods, keyed
// by method identity.
type Depiction struct {
	Interface string
	Target    reflect.Value
	Methods   map[string]*Method
}

// Registry maps interface name to the depiction currently serving it.
// Re-registering an interface with a different target overwrites the
// previous depiction and invokes onOverwrite.
type Registry struct {
	depictions map[string]*Depiction
	onOverwrite func(iface string)
}

// New creates an empty Registry. onOverwrite, if non-nil, is called
// whenever Register replaces an existing interface's depiction — wire it
// to rpclog.Streams.ServerError in the dispatcher.
func New(onOverwrite func(iface string)) *Registry {
	return &Registry{depictions: make(map[string]*Depiction), onOverwrite: onOverwrite}
}

// Register installs a depiction of rcvr's exported methods under each
// interface name in ifaces, or under rcvr's own type name when ifaces is
// empty. rcvr must be a pointer so pointer-receiver methods are visible.
//
// Because Go has no reflect.TypeOf(iface) for interfaces a value merely
// satisfies, callers name the interfaces explicitly via ifaces.
func (r *Registry) Register(rcvr interface{}, ifaces ...string) error {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rpcservice: rcvr must be a pointer, got %s", typ.Kind())
	}
	if len(ifaces) == 0 {
		ifaces = []string{typ.Elem().Name()}
	}

	depiction := &Depiction{
		Target:  reflect.ValueOf(rcvr),
		Methods: scanMethods(typ),
	}

	for _, iface := range ifaces {
		d := *depiction
		d.Interface = iface
		if _, exists := r.depictions[iface]; exists && r.onOverwrite != nil {
			r.onOverwrite(iface)
		}
		dd := d
		r.depictions[iface] = &dd
	}
	return nil
}

func scanMethods(typ reflect.Type) map[string]*Method {
	methods := make(map[string]*Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if m.PkgPath != "" {
			continue // unexported
		}

		numOut := m.Type.NumOut()
		if numOut != 1 && numOut != 2 {
			continue
		}
		if m.Type.Out(numOut - 1) != errorType {
			continue
		}

		// Skip receiver (In(0)).
		argTypes := make([]reflect.Type, 0, m.Type.NumIn()-1)
		paramNames := make([]string, 0, m.Type.NumIn()-1)
		for j := 1; j < m.Type.NumIn(); j++ {
			argTypes = append(argTypes, m.Type.In(j))
			paramNames = append(paramNames, m.Type.In(j).String())
		}

		id := m.Name + "(" + strings.Join(paramNames, ",") + ")"
		methods[id] = &Method{
			ID:        id,
			Name:      m.Name,
			ArgTypes:  argTypes,
			HasResult: numOut == 2,
			reflect:   m,
		}
	}
	return methods
}

// Lookup finds the depiction for iface and, within it, the method with
// the given identity. Either return may be nil, letting the caller
// distinguish CLASS_NOT_FOUND from NO_SUCH_METHOD.
func (r *Registry) Lookup(iface, methodID string) (*Depiction, *Method) {
	d, ok := r.depictions[iface]
	if !ok {
		return nil, nil
	}
	return d, d.Methods[methodID]
}

// Invoke calls the method via reflection with the given decoded
// arguments, which must already match ArgTypes in order and kind.
func (d *Depiction) Invoke(m *Method, args []reflect.Value) (result interface{}, err error) {
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, d.Target)
	in = append(in, args...)

	out := m.reflect.Func.Call(in)

	var errVal reflect.Value
	if m.HasResult {
		result = out[0].Interface()
		errVal = out[1]
	} else {
		errVal = out[0]
	}
	if !errVal.IsNil() {
		err = errVal.Interface().(error)
	}
	return result, err
}
