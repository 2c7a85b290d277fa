package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	guestPayload    = "/payload"
	guestInputDir   = "/work"
	guestRunDir     = "/tmp/work"
	guestExitMarker = "__TRACEBOX_EXIT__="
	imageVolumeID   = "TRACEBOX"

	isoFileIdentifierMaxLength = 30
)

// isoCharacters is the D-string alphabet produced by the iso9660 writer.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// isoFileName returns the name a file ends up with inside the image, with the
// version suffix stripped the way the guest kernel presents it.
func isoFileName(name string) string {
	name = strings.ToLower(name)
	parts := strings.Split(name, ".")

	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}

	extension = isoDString(extension, 8)
	maxLen := isoFileIdentifierMaxLength - 2
	if extension != "" {
		maxLen -= 1 + len(extension)
	}
	filename = isoDString(filename, maxLen)

	if extension != "" {
		return filename + "." + extension
	}
	return filename
}

func isoDString(input string, maxLen int) string {
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		if strings.IndexByte(isoCharacters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// bootScript is the guest init: it runs the payload from a writable copy of
// the inputs, prints the exit status marker on the console and powers off.
func bootScript(args []string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, guestPayload)
	for _, arg := range args {
		quoted = append(quoted, shellQuote(arg))
	}

	return strings.Join([]string{
		"#!/bin/sh",
		"mount -t proc proc /proc 2>/dev/null",
		"mount -t tmpfs tmpfs /tmp 2>/dev/null",
		"cp -r " + guestInputDir + " " + guestRunDir + " 2>/dev/null || mkdir -p " + guestRunDir,
		"cd " + guestRunDir,
		strings.Join(quoted, " "),
		`echo "` + guestExitMarker + `$?"`,
		"sync",
		"poweroff -f 2>/dev/null || echo o > /proc/sysrq-trigger",
		"",
	}, "\n")
}

// guestArgs rewrites host paths and file names in args to where the guest
// sees them. Longer names are tried first so that Main.C never rewrites part
// of Main.CPP.
func guestArgs(args []string, workDir string, renamed map[string]string) []string {
	names := make([]string, 0, len(renamed))
	for from := range renamed {
		names = append(names, from)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	pairs := make([]string, 0, 2+2*len(renamed))
	if workDir != "" {
		pairs = append(pairs, workDir, guestRunDir)
	}
	for _, from := range names {
		pairs = append(pairs, from, renamed[from])
	}
	if len(pairs) == 0 {
		return args
	}

	replacer := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// stageImage lays out the guest root filesystem under rootDir: the payload,
// the boot script, an empty /proc and /tmp, and a flat copy of the regular
// files in workDir. It returns the input files whose names the image format
// changes, and fails when two inputs would share a name in the image.
func (q *QEMUExecutor) stageImage(rootDir string, req ExecuteRequest) (map[string]string, error) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, "proc"), filepath.Join(rootDir, "tmp")} {
		if err := q.fs.MkdirAll(dir, DirPermission); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := q.fs.CopyFile(req.ExecutablePath, filepath.Join(rootDir, path.Base(guestPayload)), ExecPermission); err != nil {
		return nil, fmt.Errorf("copy executable: %w", err)
	}

	renamed := make(map[string]string)
	owners := make(map[string]string)
	if req.WorkDir != "" {
		inputDir := filepath.Join(rootDir, path.Base(guestInputDir))
		if err := q.fs.MkdirAll(inputDir, DirPermission); err != nil {
			return nil, fmt.Errorf("create input dir: %w", err)
		}
		entries, err := q.fs.ReadDir(req.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("read work dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			name := entry.Name()
			mangled := isoFileName(name)
			if other, taken := owners[mangled]; taken {
				return nil, fmt.Errorf("input files %s and %s both map to %s in the vm image", other, name, mangled)
			}
			owners[mangled] = name
			if mangled != name {
				renamed[name] = mangled
			}
			if err := q.fs.CopyFile(filepath.Join(req.WorkDir, name), filepath.Join(inputDir, name), FilePermission); err != nil {
				return nil, fmt.Errorf("copy input %s: %w", name, err)
			}
		}
	}
	return renamed, nil
}

// writeISO packs sourceDir into a read-only ISO9660 image at imagePath.
func writeISO(sourceDir, imagePath string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FilePermission)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, imageVolumeID); err != nil {
		out.Close()
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
