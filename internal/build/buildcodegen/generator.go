// Package buildcodegen invokes the external code generator.
package buildcodegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/k11v/buildmanager/internal/build"
)

var _ build.Generator = (*Generator)(nil)

type Config struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// Generator uploads the resource data of a build and asks the code generator to start.
// The generator reports back through the code generation webhooks or queues.
type Generator struct {
	storage Storage      // required
	client  *http.Client // required
	url     string       // required
}

func NewGenerator(storage Storage, conf *Config) *Generator {
	return &Generator{
		storage: storage,
		client:  &http.Client{Timeout: conf.Timeout},
		url:     conf.URL,
	}
}

// ResourceDataKey returns the storage key of the resource data of a build.
func ResourceDataKey(buildID string) string {
	return path.Join("builds", buildID, "dsg-resource-data.json")
}

// Generate implements build.Generator.
func (g *Generator) Generate(ctx context.Context, params *build.GenerateParams) error {
	type request struct {
		ResourceID      string `json:"resourceId"`
		BuildID         string `json:"buildId"`
		ResourceDataKey string `json:"resourceDataKey"`
	}

	key := ResourceDataKey(params.BuildID)
	if err := g.storage.Upload(ctx, key, params.GenerationData); err != nil {
		return fmt.Errorf("buildcodegen.Generator: %w", err)
	}

	body, err := json.Marshal(request{ResourceID: params.ResourceID, BuildID: params.BuildID, ResourceDataKey: key})
	if err != nil {
		return fmt.Errorf("buildcodegen.Generator: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("buildcodegen.Generator: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("buildcodegen.Generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("buildcodegen.Generator: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
