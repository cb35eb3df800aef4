package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/core"
)

// Manifest is the YAML document read by a FileProvider.
//
//	endpoint: http://tools.internal:8081
//	tools:
//	  - name: weather
//	    version: 1.2.0
//	    description: Current weather for a city
//	    idempotent: true
//	    timeoutMs: 2000
//	    inputSchema:
//	      type: object
//	      properties:
//	        city: {type: string}
//	      required: [city]
type Manifest struct {
	Endpoint string                `yaml:"endpoint"`
	Headers  map[string]string     `yaml:"headers"`
	Tools    []core.ToolDescriptor `yaml:"tools"`
}

// FileProvider lists descriptors from a YAML manifest on disk and delegates
// invocation to the HTTP endpoint named by the manifest (or per tool). The
// manifest is re-read on every List so discovery sees edits.
type FileProvider struct {
	name string
	path string
	inv  *httpInvoker
}

// NewFileProvider creates a provider reading the manifest at path.
func NewFileProvider(name, path string, optFns ...func(o *HTTPOptions)) *FileProvider {
	opts := HTTPOptions{Client: &http.Client{Timeout: 60 * time.Second}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FileProvider{name: name, path: path, inv: &httpInvoker{client: opts.Client, headers: opts.Headers}}
}

// Name implements Provider.
func (p *FileProvider) Name() string { return p.name }

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// List implements Provider.
func (p *FileProvider) List(context.Context) ([]core.ToolDescriptor, error) {
	m, err := LoadManifest(p.path)
	if err != nil {
		return nil, err
	}

	out := make([]core.ToolDescriptor, 0, len(m.Tools))
	for _, d := range m.Tools {
		d.Provider = p.name
		if d.Endpoint == "" {
			d.Endpoint = m.Endpoint
		}
		out = append(out, d)
	}

	return out, nil
}

// Invoke implements Provider. The endpoint is looked up in the manifest at
// call time.
func (p *FileProvider) Invoke(ctx context.Context, name, version string, input json.RawMessage) (json.RawMessage, error) {
	m, err := LoadManifest(p.path)
	if err != nil {
		return nil, core.NewTransientToolError(name, CodeUnavailable, err)
	}

	for _, d := range m.Tools {
		if d.Name != name || d.Version != version {
			continue
		}
		endpoint := d.Endpoint
		if endpoint == "" {
			endpoint = m.Endpoint
		}
		if endpoint == "" {
			return nil, core.NewPermanentToolError(name, CodeExecution, fmt.Errorf("no endpoint for %s@%s in %s", name, version, p.path))
		}
		inv := p.inv
		if len(m.Headers) > 0 {
			merged := map[string]string{}
			for k, v := range p.inv.headers {
				merged[k] = v
			}
			for k, v := range m.Headers {
				merged[k] = v
			}
			inv = &httpInvoker{client: p.inv.client, headers: merged}
		}
		return inv.invoke(ctx, endpoint, name, version, input)
	}

	return nil, core.NewPermanentToolError(name, CodeNotFound, fmt.Errorf("%w: %s@%s in %s", core.ErrToolNotFound, name, version, p.path))
}
