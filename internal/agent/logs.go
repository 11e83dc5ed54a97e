// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package agent

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	agentLogLines  = "5000"
	systemLogLines = "1000"
)

// collectLogs gathers the agent's service log and a tail of the system log
// into a zip archive in the temp dir. The caller owns the returned path.
func collectLogs(ctx context.Context) (string, error) {
	tempDir := os.TempDir()
	timestamp := time.Now().Unix()
	workDir := filepath.Join(tempDir, fmt.Sprintf("logs_%d", timestamp))

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	agentLog := filepath.Join(workDir, "nodeguarder-agent.log")
	if err := commandToFile(ctx, agentLog,
		"journalctl", "-u", "nodeguarder-agent", "--no-pager", "--lines="+agentLogLines); err != nil {
		// Record the failure in place of the log so the archive still explains itself.
		_ = os.WriteFile(agentLog, []byte(fmt.Sprintf("failed to get agent logs: %v", err)), 0o644)
	}

	sysLog := filepath.Join(workDir, "syslog_tail.log")
	if err := commandToFile(ctx, sysLog,
		"journalctl", "--no-pager", "--lines="+systemLogLines); err != nil {
		if _, statErr := os.Stat("/var/log/syslog"); statErr == nil {
			_ = commandToFile(ctx, sysLog, "tail", "-n", systemLogLines, "/var/log/syslog")
		}
	}

	zipPath := filepath.Join(tempDir, fmt.Sprintf("agent_logs_%d.zip", timestamp))
	if err := zipFiles(zipPath, []string{agentLog, sysLog}); err != nil {
		return "", fmt.Errorf("failed to zip logs: %w", err)
	}
	return zipPath, nil
}

func commandToFile(ctx context.Context, path, name string, args ...string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func zipFiles(zipPath string, files []string) error {
	archive, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer archive.Close()

	w := zip.NewWriter(archive)
	defer w.Close()

	for _, file := range files {
		if err := addToZip(w, file); err != nil {
			return err
		}
	}
	return nil
}

func addToZip(w *zip.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	entry, err := w.Create(filepath.Base(file))
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}
