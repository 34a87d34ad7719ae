// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/noesis-ai/noesis/pkg/tools"
)

const (
	maxFileBytes = 64 * 1024
	maxBodyBytes = 64 * 1024
)

var fetchClient = &http.Client{Timeout: 15 * time.Second}

// registerBuiltins installs the local capabilities available out of the box.
// Tiers follow the blast radius of each tool, not its implementation cost.
func registerBuiltins(reg *tools.Registry) error {
	caps := []tools.Capability{
		{
			Name:        "get_time",
			Description: "Returns the current time, optionally in a named timezone.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"timezone": map[string]interface{}{"type": "string", "description": "IANA timezone name, defaults to UTC"},
				},
			},
			Tier:    tools.TierLow,
			Handler: handleGetTime,
		},
		{
			Name:        "list_dir",
			Description: "Lists the entries of a directory.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path"},
			},
			Tier:    tools.TierLow,
			Handler: handleListDir,
		},
		{
			Name:        "read_file",
			Description: "Reads a text file and returns its content.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path"},
			},
			Tier:    tools.TierMedium,
			Handler: handleReadFile,
		},
		{
			Name:        "fetch_url",
			Description: "Fetches a URL with HTTP GET and returns the response body.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"url"},
			},
			Tier:    tools.TierMedium,
			Handler: handleFetchURL,
		},
		{
			Name:        "write_file",
			Description: "Writes content to a file, creating or overwriting it.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path", "content"},
			},
			Tier:    tools.TierHigh,
			Handler: handleWriteFile,
		},
		{
			Name:        "delete_path",
			Description: "Deletes a file or directory tree.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path"},
			},
			Tier:    tools.TierCritical,
			Handler: handleDeletePath,
		},
	}
	for _, cap := range caps {
		if err := reg.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

func handleGetTime(_ context.Context, args map[string]interface{}) (string, error) {
	loc := time.UTC
	if name, _ := args["timezone"].(string); name != "" {
		parsed, err := time.LoadLocation(name)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", name)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

func handleListDir(_ context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func handleReadFile(_ context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxFileBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFileBytes {
		return string(data[:maxFileBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func handleFetchURL(ctx context.Context, args map[string]interface{}) (string, error) {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	if len(body) > maxBodyBytes {
		return string(body[:maxBodyBytes]) + "\n[truncated]", nil
	}
	return string(body), nil
}

func handleWriteFile(_ context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func handleDeletePath(_ context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if strings.TrimSpace(path) == "" || filepath.Clean(path) == string(filepath.Separator) {
		return "", fmt.Errorf("refusing to delete %q", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return "", err
	}
	return "deleted " + path, nil
}
