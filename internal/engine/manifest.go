package engine

import (
	"os"

	"gopkg.in/yaml.v3"
)

// manifest records how a chunked task was split so part files can be reused later.
type manifest struct {
	Source       string      `yaml:"source"`
	TotalSize    int64       `yaml:"total_size"`
	SegmentCount int         `yaml:"segment_count"`
	Ranges       []ByteRange `yaml:"ranges"`
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeManifest(path string, m *manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// matches reports whether m describes a fetch of source with the given size whose
// ranges still cover [0, totalSize) contiguously.
func (m *manifest) matches(source string, totalSize int64) bool {
	if m.Source != source || m.TotalSize != totalSize || len(m.Ranges) == 0 || len(m.Ranges) != m.SegmentCount {
		return false
	}
	var next int64
	for _, r := range m.Ranges {
		if r.Start != next || r.End < r.Start {
			return false
		}
		next = r.End + 1
	}
	return next == totalSize
}
