package compress

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"batchq/internal/batch"
)

// Collect builds queue items from explicit file arguments, or from every
// regular file under inputDir whose base name matches pattern when args is
// empty. Files already ending in .gz are skipped.
func Collect(inputDir, pattern, outputDir string, args []string) ([]batch.Spec[Job], error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(args) > 0 {
		return fromArgs(outputDir, args)
	}
	if strings.TrimSpace(inputDir) == "" {
		return nil, fmt.Errorf("no input files: pass files or set compress.input_dir")
	}

	var specs []batch.Spec[Job]
	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(strings.ToLower(name), ".gz") {
			return nil
		}
		if ok, _ := filepath.Match(pattern, name); !ok {
			return nil
		}
		rel, err := filepath.Rel(inputDir, path)
		if err != nil {
			return err
		}
		specs = append(specs, batch.Spec[Job]{
			ID:      filepath.ToSlash(rel),
			Label:   name,
			Payload: Job{Src: path, Dst: filepath.Join(outputDir, rel+".gz")},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

func fromArgs(outputDir string, args []string) ([]batch.Spec[Job], error) {
	specs := make([]batch.Spec[Job], 0, len(args))
	seen := make(map[string]bool, len(args))
	dsts := make(map[string]string, len(args))
	for _, a := range args {
		p := filepath.Clean(a)
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if st.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		id := filepath.ToSlash(p)
		if seen[id] {
			continue
		}
		seen[id] = true
		base := filepath.Base(p)
		dst := filepath.Join(outputDir, base+".gz")
		if prev, ok := dsts[dst]; ok {
			return nil, fmt.Errorf("%s and %s would both be written to %s", prev, p, dst)
		}
		dsts[dst] = p
		specs = append(specs, batch.Spec[Job]{
			ID:      id,
			Label:   base,
			Payload: Job{Src: p, Dst: dst},
		})
	}
	return specs, nil
}
