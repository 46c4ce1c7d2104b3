package protector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
)

// DefaultTimeout: максимальное время работы инструмента.
const DefaultTimeout = 60 * time.Minute

var protectionDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pm_protection_duration_seconds",
		Help:    "Длительность вызова инструмента защиты в секундах.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
	},
	[]string{"result"},
)

// Config: параметры вызова инструмента.
type Config struct {
	// CLI: командная строка инструмента (может содержать аргументы)
	CLI string
	// OperatorUser: имя пользователя-оператора (--username)
	OperatorUser string
	// ClientID: client id приложения (--clientid)
	ClientID string
	// BaseURL: базовый URL сервиса защиты (--protectionbaseurl)
	BaseURL string
	// Timeout: ограничение времени работы, 0 означает DefaultTimeout
	Timeout time.Duration
}

// Invoker защищает файл внешним инструментом и заменяет им исходный.
type Invoker struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// NewInvoker создаёт Invoker.
func NewInvoker(runner Runner, cfg Config, logger *slog.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Invoker{
		runner: runner,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "protection_invoker")),
	}
}

// Protect вызывает инструмент для stagedPath и возвращает путь к защищённому
// файлу. Защищённый файл занимает место исходного, поэтому возвращается
// тот же stagedPath. Любая ошибка возвращается как *ProtectionError.
func (i *Invoker) Protect(ctx context.Context, req *model.ProtectionRequest, stagedPath, token string) (string, error) {
	started := time.Now()
	path, err := i.protect(ctx, req, stagedPath, token)

	result := "ok"
	if err != nil {
		result = "error"
	}
	protectionDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())

	if err != nil {
		return "", err
	}
	i.logger.Info("Защита документа завершена",
		slog.String("request_id", req.ID),
		slog.String("path", path),
		slog.Duration("duration", time.Since(started)),
	)
	return path, nil
}

func (i *Invoker) protect(ctx context.Context, req *model.ProtectionRequest, stagedPath, token string) (string, error) {
	absPath, err := filepath.Abs(stagedPath)
	if err != nil {
		return "", &ProtectionError{Err: fmt.Errorf("resolve %s: %w", stagedPath, err)}
	}

	cmd, err := i.command(req, absPath, token)
	if err != nil {
		return "", &ProtectionError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	i.logger.Debug("Запуск инструмента защиты",
		slog.String("request_id", req.ID),
		slog.String("command", redact(cmd, token)),
	)

	res, err := i.runner.Run(ctx, cmd)
	if strings.TrimSpace(res.Stderr) != "" {
		i.logger.Error("Инструмент защиты вывел ошибки",
			slog.String("request_id", req.ID),
			slog.String("stderr", scrub(res.Stderr, token)),
		)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &ProtectionError{ExitCode: -1, Err: fmt.Errorf("protection tool timed out after %s", i.cfg.Timeout)}
		}
		return "", &ProtectionError{ExitCode: -1, Err: fmt.Errorf("failed to protect %s: %w", absPath, err)}
	}
	if res.ExitCode != 0 {
		return "", &ProtectionError{
			ExitCode: res.ExitCode,
			Err:      fmt.Errorf("failed to protect %s: protection tool exited with code %d", absPath, res.ExitCode),
		}
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", &ProtectionError{Err: errors.New("failed to protect file: no result from protection tool")}
	}
	produced := fields[len(fields)-1]
	if !filepath.IsAbs(produced) {
		produced = filepath.Join(cmd.Dir, produced)
	}

	info, err := os.Stat(produced)
	if err != nil || !info.Mode().IsRegular() {
		return "", &ProtectionError{Err: fmt.Errorf(
			"protection tool did not create a protected file (output: %s)", strings.TrimSpace(res.Stdout))}
	}

	if filepath.Clean(produced) == absPath {
		return absPath, nil
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return "", &ProtectionError{Err: fmt.Errorf("failed to delete %s: %w", absPath, err)}
	}
	if err := moveFile(produced, absPath); err != nil {
		return "", &ProtectionError{Err: fmt.Errorf("failed to rename %s to %s: %w", produced, absPath, err)}
	}
	return absPath, nil
}

// command строит вызов инструмента.
func (i *Invoker) command(req *model.ProtectionRequest, absPath, token string) (Command, error) {
	parts := strings.Fields(i.cfg.CLI)
	if len(parts) == 0 {
		return Command{}, errors.New("protection tool command line is empty")
	}

	args := append([]string{}, parts[1:]...)
	args = append(args,
		"--username", i.cfg.OperatorUser,
		"--rights", req.Rights.String(),
		"--protect", req.User,
		"--clientid", i.cfg.ClientID,
		"--protectiontoken", token,
		"--protectionbaseurl", i.cfg.BaseURL,
		"--file", absPath,
	)
	return Command{Name: parts[0], Args: args, Dir: filepath.Dir(absPath)}, nil
}

// redact возвращает командную строку без токена.
func redact(cmd Command, token string) string {
	args := make([]string, len(cmd.Args))
	for n, a := range cmd.Args {
		if token != "" && a == token {
			a = "***"
		}
		args[n] = a
	}
	return cmd.Name + " " + strings.Join(args, " ")
}

// scrub заменяет токен в тексте на "***".
func scrub(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// moveFile переименовывает файл, копируя его между файловыми системами.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// ProtectionError: инструмент не смог защитить файл.
type ProtectionError struct {
	// ExitCode: код выхода, -1 если процесс не завершился сам
	ExitCode int
	Err      error
}

func (e *ProtectionError) Error() string {
	return e.Err.Error()
}

func (e *ProtectionError) Unwrap() error {
	return e.Err
}
