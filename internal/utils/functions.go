package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// UniqueOutputPath returns outputPath if it is neither on disk nor taken, else the first
// free numbered variant of it.
func UniqueOutputPath(outputPath string, taken func(string) bool) string {
	if !pathInUse(outputPath, taken) {
		return outputPath
	}
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if !pathInUse(candidate, taken) {
			return candidate
		}
		index++
	}
}

func pathInUse(path string, taken func(string) bool) bool {
	if taken != nil && taken(path) {
		return true
	}
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// DetermineDownloadType maps a URI to the source that can fetch it ("" if none).
func DetermineDownloadType(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return "http"
	case "s3":
		return "s3"
	}
	return ""
}

// SanitizeFilename replaces characters unsafe in a file name. A name made only of dots
// and spaces sanitizes to "".
func SanitizeFilename(name string) string {
	name = filenameRegex.ReplaceAllString(name, "_")
	if strings.Trim(name, ". ") == "" {
		return ""
	}
	return name
}

// FileNameFromURL returns the last path element of link, or "download".
func FileNameFromURL(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name = SanitizeFilename(name); name == "" {
		return "download"
	}
	return name
}

func TempDir(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

func PartPath(outputPath string, id int) string {
	return filepath.Join(TempDir(outputPath), fmt.Sprintf("%s.part%d", filepath.Base(outputPath), id))
}

func ManifestPath(outputPath string) string {
	return filepath.Join(TempDir(outputPath), filepath.Base(outputPath)+".manifest.yaml")
}

func StagingPath(outputPath string) string {
	return filepath.Join(TempDir(outputPath), filepath.Base(outputPath)+".merge")
}

// Clean removes every temp file belonging to outputPath and drops the temp dir if empty.
func Clean(outputPath string) error {
	tempDir := TempDir(outputPath)
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	base := filepath.Base(outputPath)
	for _, file := range files {
		name := file.Name()
		if strings.HasPrefix(name, base+".part") || name == base+".manifest.yaml" || name == base+".merge" {
			if err := os.RemoveAll(filepath.Join(tempDir, name)); err != nil {
				return err
			}
		}
	}
	return removeIfEmpty(tempDir)
}

// CleanDir removes the whole temp dir under dir.
func CleanDir(dir string) error {
	tempDir := filepath.Join(dir, TempDirName)
	_, err := os.Stat(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.RemoveAll(tempDir)
}

func removeIfEmpty(dir string) error {
	remaining, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return os.Remove(dir)
	}
	return nil
}
