// Package workload loads workload files and executes them against the target
// service, recording one report per run on the dashboard.
package workload

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/benchctl/pkg/api"
)

// Load reads and validates the workload file at path. YAML is used for
// .yaml and .yml files, JSON otherwise. Errors always name the path.
func Load(path string) (*api.Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening %s", path)
	}

	var w api.Workload
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &w)
		if err == nil {
			err = inlineYAMLBodies(&w)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&w)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}

	if w.Name == "" {
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(&w); err != nil {
		return nil, errors.Wrapf(err, "error parsing %s", path)
	}
	return &w, nil
}

// Validate fills defaults and rejects workloads that cannot run.
func Validate(w *api.Workload) error {
	if w.RunCount == 0 {
		w.RunCount = 1
	}
	if w.RunCount < 0 {
		return errors.Newf("run_count must be at least 1, got %d", w.RunCount)
	}
	if len(w.Commands) == 0 {
		return errors.New("workload has no commands")
	}
	for i, list := range [][]api.Command{w.Precommands, w.Commands} {
		kind := [...]string{"precommand", "command"}[i]
		for j := range list {
			if err := validateCommand(&list[j], w.Assets); err != nil {
				return errors.Wrapf(err, "%s %d", kind, j)
			}
		}
	}
	return nil
}

func validateCommand(c *api.Command, assets map[string]api.Asset) error {
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = "GET"
	}
	switch c.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return errors.Newf("unsupported method %q", c.Method)
	}
	if c.Route == "" {
		return errors.New("missing route")
	}
	switch c.Synchronous {
	case "":
		c.Synchronous = api.WaitForResponse
	case api.DontWait, api.WaitForResponse, api.WaitForTask:
	default:
		return errors.Newf("unknown synchronous mode %q", c.Synchronous)
	}
	if c.Body.Asset != "" {
		if len(c.Body.Inline) != 0 {
			return errors.New("body has both an inline value and an asset")
		}
		if _, ok := assets[c.Body.Asset]; !ok {
			return errors.Newf("body references unknown asset %q", c.Body.Asset)
		}
	}
	return nil
}

func inlineYAMLBodies(w *api.Workload) error {
	for _, list := range [][]api.Command{w.Precommands, w.Commands} {
		for i := range list {
			b := &list[i].Body
			if b.InlineYAML == nil {
				continue
			}
			raw, err := json.Marshal(b.InlineYAML)
			if err != nil {
				return errors.Wrapf(err, "inline body of %s %s", list[i].Method, list[i].Route)
			}
			b.Inline = raw
			b.InlineYAML = nil
		}
	}
	return nil
}
