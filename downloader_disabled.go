//go:build NODOWNLOAD

package showo

import (
	"errors"
)

// DownloadModel is unavailable in builds tagged NODOWNLOAD.
func DownloadModel(_ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("model downloads are disabled in this build, pass a local model path instead")
}
