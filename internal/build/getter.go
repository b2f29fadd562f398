package build

import (
	"context"
	"fmt"
)

type Getter struct {
	Database Database // required
}

type GetterGetParams struct {
	ID string
}

// Get returns the build or an error wrapping ErrNotFound.
func (g *Getter) Get(ctx context.Context, params *GetterGetParams) (*Build, error) {
	b, err := g.Database.GetBuild(ctx, &DatabaseGetBuildParams{ID: params.ID})
	if err != nil {
		return nil, fmt.Errorf("build.Getter: %w", err)
	}
	return b, nil
}
