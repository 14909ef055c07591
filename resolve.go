package showo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/showo/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken string
	Branch    string
	// OnnxFilePaths restricts the graphs downloaded. Empty downloads every .onnx file.
	OnnxFilePaths         []string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// localModelName is the folder a repo is stored in under the models folder.
func localModelName(modelName string) string {
	name, _, _ := strings.Cut(modelName, ":")
	return strings.ReplaceAll(name, "/", "_")
}

// ResolveModelPath turns a model reference into a local or s3 folder. A reference is
// an existing path, a model previously downloaded under modelsFolder, or a Hugging
// Face repository id that is then downloaded into modelsFolder.
func ResolveModelPath(reference string, modelsFolder string, options DownloadOptions) (string, error) {
	if reference == "" {
		return "", errors.New("empty model reference")
	}
	if fileutil.GetPathType(reference) == "S3" {
		return reference, nil
	}
	if exists, err := fileutil.FileExists(reference); err == nil && exists {
		return reference, nil
	}
	if modelsFolder == "" {
		return "", fmt.Errorf("model %s not found locally and no models folder was given", reference)
	}
	local := fileutil.PathJoinSafe(modelsFolder, localModelName(reference))
	if exists, err := fileutil.FileExists(local); err == nil && exists {
		return local, nil
	}
	if strings.Count(reference, "/") != 1 || strings.HasPrefix(reference, "/") || strings.HasPrefix(reference, ".") {
		return "", fmt.Errorf("model %s not found and is not a repository id", reference)
	}
	return DownloadModel(reference, modelsFolder, options)
}
