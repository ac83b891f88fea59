package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// fixture is the scripted behavior of one model.
type fixture struct {
	replies []string
	status  int
}

// reply returns the reply for the 0-based call idx; the last one repeats.
func (f *fixture) reply(idx int) string {
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[min(idx, len(f.replies)-1)]
}

// numberedFileRe matches "atelier-decide.1.json" or "atelier-respond.2.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(json|txt)$`)

// loadFixtures reads dir into model fixtures. For each model the numbered
// files come first in numeric order, then the base file.
func loadFixtures(dir string) (map[string]*fixture, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)
	statuses := make(map[string]int)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		ext := filepath.Ext(name)
		if ext != ".json" && ext != ".txt" && ext != ".status" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		if ext == ".status" {
			code, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil || http.StatusText(code) == "" || code < 400 {
				return fmt.Errorf("%s: want an HTTP error status, got %q", path, strings.TrimSpace(string(data)))
			}
			statuses[strings.TrimSuffix(name, ext)] = code
			return nil
		}

		if ext == ".json" && !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)
		if ext == ".txt" {
			content = strings.TrimSpace(content)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = content
			return nil
		}
		base[strings.TrimSuffix(name, ext)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string]*fixture)
	get := func(model string) *fixture {
		if fixtures[model] == nil {
			fixtures[model] = &fixture{}
		}
		return fixtures[model]
	}

	for model, seq := range numbered {
		indices := make([]int, 0, len(seq))
		for idx := range seq {
			indices = append(indices, idx)
		}
		sort.Ints(indices)

		f := get(model)
		for _, idx := range indices {
			f.replies = append(f.replies, seq[idx])
		}
	}
	for model, content := range base {
		f := get(model)
		f.replies = append(f.replies, content)
	}
	for model, code := range statuses {
		get(model).status = code
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
