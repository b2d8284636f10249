package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"sparkles/internal/repository"
)

// Desktop показывает уведомление macOS через osascript.
type Desktop struct {
	settings repository.SettingsRepository
	lookPath func(string) (string, error)
	run      func(ctx context.Context, script string) ([]byte, error)
	goos     string
}

func NewDesktop(settings repository.SettingsRepository) *Desktop {
	return &Desktop{
		settings: settings,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, script string) ([]byte, error) {
			return exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
		},
		goos: runtime.GOOS,
	}
}

func (d *Desktop) Name() string { return "desktop" }

// Permission: unsupported не на macOS или без osascript, denied если
// аккаунт отключил уведомления на рабочем столе.
func (d *Desktop) Permission(ctx context.Context, accountID int64) Permission {
	if d.goos != "darwin" {
		return PermissionUnsupported
	}
	if _, err := d.lookPath("osascript"); err != nil {
		return PermissionUnsupported
	}
	if d.settings != nil {
		if s, err := d.settings.GetSettings(ctx, accountID); err == nil && s != nil && !s.DesktopEnabled {
			return PermissionDenied
		}
	}
	return PermissionGranted
}

func (d *Desktop) Send(ctx context.Context, _ int64, title, body string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(body), escapeAppleScript(title),
	)
	if out, err := d.run(ctx, script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
