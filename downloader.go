//go:build !NODOWNLOAD

package showo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/showo/util/fileutil"
)

// DownloadModel downloads the graphs, configuration and tokenizer files of a Hugging Face
// repository into destination/<org>_<name> and returns that folder.
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := path.Join(destination, localModelName(modelName))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := selectDownloadFiles(repo, options)
	if err != nil {
		return "", err
	}

	for i := range options.MaxRetries {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(downloadErr).Str("model", modelName).Msg("download failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			if copyErr := fileutil.CopyFile(context.Background(), truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j]))); copyErr != nil {
				return "", copyErr
			}
		}
		log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}
	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func isSupportFile(baseFileName string) bool {
	switch baseFileName {
	case "tokenizer.json", "special_tokens_map.json", "tokenizer_config.json", "config.json", "vocab.txt":
		return true
	}
	return strings.HasSuffix(baseFileName, ".onnx.data") || strings.HasSuffix(baseFileName, ".onnx_data")
}

func selectDownloadFiles(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := range options.MaxRetries {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(err).Msg("listing repo failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var files []string
	var onnxFiles []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		baseFileName := filepath.Base(fileName)
		switch {
		case isSupportFile(baseFileName):
			files = append(files, fileName)
		case filepath.Ext(baseFileName) == ".onnx":
			if len(options.OnnxFilePaths) == 0 || slices.Contains(options.OnnxFilePaths, fileName) || slices.Contains(options.OnnxFilePaths, baseFileName) {
				onnxFiles = append(onnxFiles, fileName)
			}
		}
	}
	if len(onnxFiles) == 0 && !slices.ContainsFunc(files, func(f string) bool { return filepath.Base(f) == "tokenizer.json" }) {
		return nil, errors.New("repository has neither .onnx graphs nor a tokenizer.json")
	}
	return append(files, onnxFiles...), nil
}
