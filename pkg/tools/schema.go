package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/jllopis/synod/pkg/errors"
)

// SchemaFor derives the argument schema of A. Fields without omitempty are
// required.
func SchemaFor[A any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(new(A))
	schema.Version = ""
	return json.Marshal(schema)
}

// RegisterFunc registers a typed tool. The argument schema is derived from A
// and the raw argument map is decoded into A before fn is called.
func RegisterFunc[A any](r *Registry, name string, fn func(ctx context.Context, args A) (any, error), opts ...Option) error {
	if fn == nil {
		return errors.New(errors.CodeInvalidInput, "tool function is required", nil).WithContext("tool", name)
	}
	schema, err := SchemaFor[A]()
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "derive tool schema", err).WithContext("tool", name)
	}
	opts = append([]Option{WithSchema(schema)}, opts...)
	return r.Register(name, func(ctx context.Context, raw map[string]any) (any, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("decode arguments for %s", name), err)
		}
		return fn(ctx, args)
	}, opts...)
}

func decodeArgs(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
