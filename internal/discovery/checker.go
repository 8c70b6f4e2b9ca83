package discovery

import (
	"os"
	"time"
)

// CheckedFile is one local path the gateway cares about.
type CheckedFile struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Size     int64  `json:"size,omitempty"`
	Modified string `json:"modified,omitempty"`
}

// EnvReport describes the local environment: the Kiro IDE's credential cache
// and the gateway's own data files.
type EnvReport struct {
	KiroCache []CheckedFile `json:"kiro_cache"`
	DataFiles []CheckedFile `json:"data_files"`
}

// CheckEnvironment inspects the known Kiro cache locations plus the given
// gateway data paths.
func CheckEnvironment(dataPaths ...string) *EnvReport {
	report := &EnvReport{
		KiroCache: make([]CheckedFile, 0),
		DataFiles: make([]CheckedFile, 0),
	}
	for _, source := range Sources {
		for _, pattern := range source.ConfigPaths {
			report.KiroCache = append(report.KiroCache, checkFile(expandPath(pattern)))
		}
	}
	for _, path := range dataPaths {
		report.DataFiles = append(report.DataFiles, checkFile(path))
	}
	return report
}

func checkFile(path string) CheckedFile {
	out := CheckedFile{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return out
	}
	out.Exists = true
	out.Size = info.Size()
	out.Modified = info.ModTime().Format(time.RFC3339)
	return out
}
