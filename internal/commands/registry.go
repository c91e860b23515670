// Package commands holds the bridge's capability surface: one CommandSpec per
// supported peer method, its JSON Schemas, and the typed params each method
// decodes into.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CommandSpec declares one peer method.
type CommandSpec struct {
	Name                 string
	ParamsSchema         string
	ReturnSchema         string
	RequiresConfirmation bool
	// Sensitive handlers consult the authentication gate before acting.
	Sensitive bool

	newParams func() any
}

// Call is what a handler receives once params have been validated.
type Call struct {
	Topic   string
	Account string
	Method  string
	Params  any
}

// Handler executes one command against the wallet backend.
type Handler func(ctx context.Context, call Call) (any, error)

type entry struct {
	spec    CommandSpec
	params  *jsonschema.Schema
	result  *jsonschema.Schema
	handler Handler
}

// Registry maps method names to their spec, compiled schemas and handler.
// A Registry is never mutated after construction.
type Registry struct {
	entries map[string]*entry
}

var printer = message.NewPrinter(language.English)

// NewRegistry compiles every spec's schemas.
func NewRegistry(specs []CommandSpec) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("command spec without name")
		}
		if _, dup := r.entries[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate command spec %q", spec.Name)
		}
		params, err := compile(spec.Name+"/params.json", spec.ParamsSchema)
		if err != nil {
			return nil, fmt.Errorf("%s params schema: %w", spec.Name, err)
		}
		result, err := compile(spec.Name+"/result.json", spec.ReturnSchema)
		if err != nil {
			return nil, fmt.Errorf("%s return schema: %w", spec.Name, err)
		}
		r.entries[spec.Name] = &entry{spec: spec, params: params, result: result}
	}
	return r, nil
}

// Default returns a registry over DefaultSpecs. It panics if a built-in
// schema fails to compile.
func Default() *Registry {
	r, err := NewRegistry(DefaultSpecs())
	if err != nil {
		panic(err)
	}
	return r
}

func compile(url, src string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(src) == "" {
		src = "true"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// Bind returns a copy of r with handlers attached. Every registered command
// must have a handler and every handler must name a registered command.
func (r *Registry) Bind(handlers map[string]Handler) (*Registry, error) {
	out := &Registry{entries: make(map[string]*entry, len(r.entries))}
	for name, e := range r.entries {
		h, ok := handlers[name]
		if !ok || h == nil {
			return nil, fmt.Errorf("no handler for %s", name)
		}
		cp := *e
		cp.handler = h
		out.entries[name] = &cp
	}
	for name := range handlers {
		if _, ok := r.entries[name]; !ok {
			return nil, fmt.Errorf("handler for %s: %w", name, ErrUnknownCommand)
		}
	}
	return out, nil
}

// Lookup returns the spec for method or ErrUnknownCommand.
func (r *Registry) Lookup(method string) (CommandSpec, error) {
	e, ok := r.entries[method]
	if !ok {
		return CommandSpec{}, unknown(method)
	}
	return e.spec, nil
}

// RequiresConfirmation reports the spec's confirmation flag. Unknown methods
// report true so a caller that skips Lookup never runs them unconfirmed.
func (r *Registry) RequiresConfirmation(method string) bool {
	e, ok := r.entries[method]
	return !ok || e.spec.RequiresConfirmation
}

// Handler returns the handler bound to method, or nil.
func (r *Registry) Handler(method string) Handler {
	if e, ok := r.entries[method]; ok {
		return e.handler
	}
	return nil
}

// Methods lists registered method names in sorted order.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks raw against the method's params schema and decodes it into
// the method's typed params. Missing or null params are treated as {}.
func (r *Registry) Validate(method string, raw json.RawMessage) (any, error) {
	e, ok := r.entries[method]
	if !ok {
		return nil, unknown(method)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Method: method, Reason: "params are not valid JSON"}
	}
	if err := e.params.Validate(inst); err != nil {
		return nil, toValidationError(method, err)
	}

	if e.spec.newParams == nil {
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, &ValidationError{Method: method, Reason: err.Error()}
		}
		return generic, nil
	}
	typed := e.spec.newParams()
	if err := json.Unmarshal(raw, typed); err != nil {
		ve := &ValidationError{Method: method, Reason: err.Error()}
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			ve.Fields = []string{"/" + strings.ReplaceAll(te.Field, ".", "/")}
		}
		return nil, ve
	}
	if d, ok := typed.(defaulter); ok {
		d.applyDefaults()
	}
	return typed, nil
}

// ValidateResult checks a handler result against the method's return schema.
func (r *Registry) ValidateResult(method string, result any) error {
	e, ok := r.entries[method]
	if !ok {
		return unknown(method)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", method, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	if err := e.result.Validate(inst); err != nil {
		ve := toValidationError(method, err)
		ve.Reason = "result: " + ve.Reason
		return ve
	}
	return nil
}

func toValidationError(method string, err error) *ValidationError {
	var se *jsonschema.ValidationError
	if !errors.As(err, &se) {
		return &ValidationError{Method: method, Reason: err.Error()}
	}
	var (
		reasons []string
		fields  []string
		seen    = map[string]bool{}
	)
	addField := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, leaf := range leaves(se) {
		base := pointer(leaf.InstanceLocation)
		if req, ok := leaf.ErrorKind.(*kind.Required); ok {
			for _, m := range req.Missing {
				addField(base + "/" + escapeToken(m))
			}
		} else {
			addField(base)
		}
		msg := leaf.ErrorKind.LocalizedString(printer)
		if base != "" {
			msg = base + ": " + msg
		}
		reasons = append(reasons, msg)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, se.ErrorKind.LocalizedString(printer))
	}
	return &ValidationError{Method: method, Reason: strings.Join(reasons, "; "), Fields: fields}
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(escapeToken(t))
	}
	return b.String()
}

func escapeToken(t string) string {
	t = strings.ReplaceAll(t, "~", "~0")
	return strings.ReplaceAll(t, "/", "~1")
}
