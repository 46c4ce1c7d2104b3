// Пакет protector: вызов внешнего CLI-инструмента защиты.
package protector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Command: описание запуска внешнего процесса.
type Command struct {
	Name string
	Args []string
	// Dir: рабочий каталог процесса
	Dir string
}

// RunResult: результат завершившегося процесса.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner запускает внешний процесс и дожидается его завершения.
// Ошибка возвращается, если процесс не удалось запустить или он был
// прерван контекстом. Ненулевой код выхода ошибкой не считается.
type Runner interface {
	Run(ctx context.Context, cmd Command) (RunResult, error)
}

// ExecRunner: Runner поверх os/exec.
type ExecRunner struct {
	// WaitDelay: сколько ждать закрытия вывода после завершения процесса
	WaitDelay time.Duration
}

// Run запускает процесс. При отмене контекста процесс убивается.
func (r ExecRunner) Run(ctx context.Context, c Command) (RunResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("start %s: %w", c.Name, err)
	}
	return res, nil
}
