package translate

import (
	"context"

	"github.com/crossfed/crossfed/internal/models"
)

// Facade is the Converter the rest of the bridge talks to. It delegates to
// an injected inner converter when one is configured, and otherwise passes
// through payloads the object already carries in the destination protocol —
// enough for re-sends of previously converted objects and for tests.
type Facade struct {
	// Inner is the full AS1 converter, when available.
	Inner Converter
}

func (f *Facade) Convert(ctx context.Context, obj *models.Object, opts Opts) (map[string]any, error) {
	if f.Inner != nil {
		return f.Inner.Convert(ctx, obj, opts)
	}
	switch opts.To {
	case models.ProtocolATProto:
		return obj.BskyMap(), nil
	case models.ProtocolNostr:
		return obj.NostrMap(), nil
	}
	return nil, nil
}

func (f *Facade) ToAS1(ctx context.Context, obj *models.Object) (map[string]any, error) {
	if f.Inner != nil {
		return f.Inner.ToAS1(ctx, obj)
	}
	return obj.AS1Map(), nil
}
