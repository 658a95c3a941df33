package health

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ModelGetter looks up a model by ID. *oai.ModelService satisfies it.
type ModelGetter interface {
	Get(ctx context.Context, model string, opts ...option.RequestOption) (*oai.Model, error)
}

// ModelChecker reports ready when the API key can see model.
func ModelChecker(models ModelGetter, model string) Checker {
	return Checker{
		Name: "realtime_model",
		Check: func(ctx context.Context) error {
			m, err := models.Get(ctx, model)
			if err != nil {
				return fmt.Errorf("lookup %q: %w", model, err)
			}
			if m.ID != model {
				return fmt.Errorf("lookup %q: service returned %q", model, m.ID)
			}
			return nil
		},
	}
}

// ConnectionChecker reports not ready while the realtime connection is in
// cooldown. available returns a non-nil error in that case.
func ConnectionChecker(available func() error) Checker {
	return Checker{Name: "connection", Check: func(context.Context) error { return available() }}
}

// AudioChecker reports not ready once the audio device has been given up on.
func AudioChecker(failed func() error) Checker {
	return Checker{Name: "audio", Check: func(context.Context) error { return failed() }}
}
