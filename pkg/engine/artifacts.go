// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gatekeeper/internal/report"
	"gatekeeper/pkg/codec"
	"gatekeeper/pkg/types"
)

// writeArtifacts flushes the run's directory layout under outputDir:
// plan.json, state.json, report.json, and one items/<item>/gates/<gate>/
// directory per executed gate holding its captured streams, exit code,
// duration, and resolved artifact files.
func writeArtifacts(outputDir string, plan types.Plan, snapshot map[string]types.NodeResult, rep report.Report, itemRoot func(string) string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("artifacts: creating output dir: %w", err)
	}

	if err := writeCanonical(filepath.Join(outputDir, "plan.json"), plan); err != nil {
		return err
	}
	if err := writeCanonical(filepath.Join(outputDir, "state.json"), snapshot); err != nil {
		return err
	}
	if err := writeCanonical(filepath.Join(outputDir, "report.json"), rep); err != nil {
		return err
	}

	gatesByItem := make(map[string]map[string]types.Gate, len(plan.Items))
	for _, it := range plan.Items {
		gates := make(map[string]types.Gate, len(it.Gates))
		for _, g := range it.Gates {
			gates[g.Name] = g
		}
		gatesByItem[it.Name] = gates
	}

	for name, node := range snapshot {
		for _, gr := range node.Gates {
			dir := filepath.Join(outputDir, "items", name, "gates", gr.Gate)
			if err := writeGateFiles(dir, gr); err != nil {
				return err
			}

			gate, ok := gatesByItem[name][gr.Gate]
			if !ok || itemRoot == nil || len(gr.Artifacts) == 0 {
				continue
			}
			cwd := itemRoot(name)
			if gate.Cwd != "" {
				cwd = filepath.Join(cwd, gate.Cwd)
			}
			if err := copyArtifacts(cwd, filepath.Join(dir, "artifacts"), gr.Artifacts); err != nil {
				return err
			}
		}
	}

	return nil
}

func writeCanonical(path string, v any) error {
	b, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("artifacts: encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("artifacts: writing %s: %w", path, err)
	}
	return nil
}

// writeGateFiles writes the stdout/stderr/exit/duration.ms quartet for
// one gate. Only the final attempt's streams are recorded on GateResult;
// earlier attempts are not retained.
func writeGateFiles(dir string, gr types.GateResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: creating gate dir %s: %w", dir, err)
	}
	files := map[string]string{
		"stdout":      gr.Stdout,
		"stderr":      gr.Stderr,
		"exit":        strconv.Itoa(gr.ExitCode),
		"duration.ms": strconv.FormatInt(gr.DurationMs, 10),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("artifacts: writing %s/%s: %w", dir, name, err)
		}
	}
	return nil
}

// copyArtifacts copies every gate.artifacts-resolved relative path from
// cwd into destDir, preserving its relative structure.
func copyArtifacts(cwd, destDir string, relPaths []string) error {
	for _, rel := range relPaths {
		src := filepath.Join(cwd, rel)
		dst := filepath.Join(destDir, rel)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("artifacts: copying %s: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
