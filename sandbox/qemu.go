package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// QEMUExecutor boots a disposable virtual machine whose root image holds only
// the payload, its boot script and a copy of the inputs. The machine has a
// fixed memory ceiling and no network device. Its serial console becomes the
// payload's stdout and the emulator's own diagnostics become stderr.
type QEMUExecutor struct {
	executorBase
}

// NewQEMUExecutor creates a new QEMUExecutor
func NewQEMUExecutor(logger *zap.Logger, config *Config, opts ...Option) *QEMUExecutor {
	return &QEMUExecutor{executorBase: newExecutorBase(BackendQEMU, logger, config, opts)}
}

// Execute runs the payload in a throwaway emulated machine
//
//nolint:funlen // Image lifecycle is kept in one place so cleanup is unconditional
func (q *QEMUExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	cfg := q.config.QEMU
	qemu, err := q.requireTool(cfg.Binary)
	if err != nil {
		return ExecuteResult{}, err
	}
	if ok, _ := q.fs.FileExists(cfg.Kernel); !ok {
		return ExecuteResult{}, unavailable(q.name, fmt.Errorf("kernel image %s not found", cfg.Kernel))
	}
	if err := q.checkRequest(req); err != nil {
		return ExecuteResult{}, err
	}

	imageDir, err := q.fs.MkdirTemp(cfg.ImageDir, "tracebox-vm-*")
	if err != nil {
		return ExecuteResult{}, setupFailure(q.name, fmt.Errorf("create image dir: %w", err))
	}
	defer func() {
		if rmErr := q.fs.RemoveAll(imageDir); rmErr != nil {
			q.logger.Error("failed to remove vm image directory", zap.String("path", imageDir), zap.Error(rmErr))
		}
	}()

	rootDir := filepath.Join(imageDir, "root")
	renamed, err := q.stageImage(rootDir, req)
	if err != nil {
		return ExecuteResult{}, setupFailure(q.name, err)
	}

	script := bootScript(guestArgs(req.Args, req.WorkDir, renamed))
	if err := q.fs.WriteFile(filepath.Join(rootDir, "init"), []byte(script), ExecPermission); err != nil {
		return ExecuteResult{}, setupFailure(q.name, fmt.Errorf("write boot script: %w", err))
	}

	imagePath := filepath.Join(imageDir, "rootfs.iso")
	if err := writeISO(rootDir, imagePath); err != nil {
		return ExecuteResult{}, setupFailure(q.name, err)
	}

	result, err := q.run(ctx, Command{
		Path:    qemu,
		Args:    qemuArgs(cfg, imagePath),
		Dir:     imageDir,
		Timeout: req.Timeout,
	})
	if err != nil {
		return ExecuteResult{}, err
	}

	console, exitCode, ok := parseConsole(result.Stdout)
	if !ok {
		return ExecuteResult{}, setupFailure(q.name, fmt.Errorf("guest did not report an exit status: %s", strings.TrimSpace(result.Stderr)))
	}
	return newResult(q.name, &exitCode, console, result.Stderr), nil
}

func qemuArgs(cfg QEMUConfig, imagePath string) []string {
	args := []string{
		"-m", strconv.Itoa(cfg.MemoryMB),
		"-kernel", cfg.Kernel,
	}
	if cfg.Initrd != "" {
		args = append(args, "-initrd", cfg.Initrd)
	}
	return append(args,
		"-append", "console=ttyS0 quiet panic=-1 root=/dev/sr0 rootfstype=iso9660 ro init=/init",
		"-drive", "file="+imagePath+",media=cdrom,readonly=on,format=raw",
		"-nic", "none",
		"-display", "none",
		"-serial", "stdio",
		"-monitor", "none",
		"-no-reboot",
	)
}

// parseConsole strips the exit marker line from the console log and returns
// the exit status it carried.
func parseConsole(console string) (string, int, bool) {
	var (
		kept     []string
		exitCode int
		found    bool
	)
	scanner := bufio.NewScanner(strings.NewReader(console))
	scanner.Buffer(make([]byte, 0, 64*BytesPerKB), BytesPerMB)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if idx := strings.Index(line, guestExitMarker); idx >= 0 && !found {
			code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(guestExitMarker):]))
			if err == nil {
				exitCode, found = code, true
				if prefix := line[:idx]; prefix != "" {
					kept = append(kept, prefix)
				}
				continue
			}
		}
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return "", exitCode, found
	}
	return strings.Join(kept, "\n") + "\n", exitCode, found
}
