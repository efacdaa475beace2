//go:build linux

package hostsupervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/launcherd/launcherd/pkg/helpers/command"
)

// snapCgroupBase is the user-session cgroup path snap scopes live under.
func snapCgroupBase(uid int) string {
	return fmt.Sprintf("/sys/fs/cgroup/user.slice/user-%d.slice/user@%d.service/app.slice", uid, uid)
}

// killSnapScopes finds every systemd scope belonging to snapName and kills
// it. Snap apps always receive SIGKILL, never SIGTERM: several launchers
// (e.g. the Minecraft Launcher) self-restart on TERM and would otherwise
// immediately respawn — this is a deliberate behavioral contract, not an
// optimization, and applies even when Stop was called in Graceful mode.
func killSnapScopes(ctx context.Context, exec_ command.Executor, snapName string) bool {
	base := snapCgroupBase(os.Getuid())
	entries, err := os.ReadDir(base)
	if err != nil {
		log.Debug().Err(err).Str("path", base).Msg("snap cgroup base path not present")
		return false
	}

	prefix := "snap." + snapName + "." + snapName + "-"
	killedAny := false
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".scope") {
			continue
		}
		if killScopeViaSystemctl(ctx, exec_, name) {
			killedAny = true
			continue
		}
		if killScopeViaDBus(name) {
			killedAny = true
		}
	}
	return killedAny
}

func killScopeViaSystemctl(ctx context.Context, exec_ command.Executor, scope string) bool {
	if _, err := lookPathExecutor(exec_, "systemctl"); err != nil {
		return false
	}
	if err := exec_.Run(ctx, "systemctl", "--user", "kill", "--signal=KILL", scope); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("systemctl kill failed")
		return false
	}
	log.Info().Str("scope", scope).Msg("killed snap scope via systemctl SIGKILL")
	return true
}

// lookPathExecutor is a thin seam so killScopeViaSystemctl's "is systemctl
// on PATH" check can be swapped out in tests; production always uses
// exec.LookPath.
var lookPathExecutor = func(_ command.Executor, name string) (string, error) {
	return exec.LookPath(name)
}

// killScopeViaDBus is the fallback route when systemctl isn't on PATH or
// its kill call fails: it talks to systemd's user-session manager
// directly over D-Bus.
func killScopeViaDBus(scope string) bool {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to session D-Bus for snap scope kill")
		return false
	}
	defer func() { _ = conn.Close() }()

	obj := conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")
	// KillUnit(string name, string whom, int32 signal)
	call := obj.Call("org.freedesktop.systemd1.Manager.KillUnit", 0, scope, "all", int32(sigkill))
	if call.Err != nil {
		log.Warn().Err(call.Err).Str("scope", scope).Msg("KillUnit via D-Bus failed")
		return false
	}
	log.Info().Str("scope", scope).Msg("killed snap scope via D-Bus KillUnit")
	return true
}

const sigkill = 9
