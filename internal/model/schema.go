package model

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// ParamsSchema returns the JSON schema of the params variant for t.
func ParamsSchema(t JobType) (*jsonschema.Schema, error) {
	var v any
	switch t {
	case JobTypeAcquire:
		v = AcquireParams{}
	case JobTypeProcess:
		v = ProcessParams{}
	case JobTypeTrain:
		v = TrainParams{}
	case JobTypeInference:
		v = InferenceParams{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownJobType, t)
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)
	schema.Title = fmt.Sprintf("%s params", t)
	return schema, nil
}
