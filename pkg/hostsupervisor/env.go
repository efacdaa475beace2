package hostsupervisor

import "os"

// inheritedEnvVars is the fixed allow-list of environment variables passed
// through to a spawned child. Everything else from the service's own
// environment is dropped; req.Env entries are layered on top and may
// override any of these. Grounded on the original host-linux process
// spawner's inherit_vars list.
var inheritedEnvVars = []string{
	"PATH", "HOME", "USER", "SHELL",
	"DISPLAY", "WAYLAND_DISPLAY",
	"XDG_RUNTIME_DIR", "XDG_SESSION_TYPE", "XDG_SESSION_DESKTOP", "XDG_CURRENT_DESKTOP",
	"XAUTHORITY",
	"XDG_DATA_HOME", "XDG_CONFIG_HOME", "XDG_CACHE_HOME", "XDG_STATE_HOME",
	"XDG_DATA_DIRS", "XDG_CONFIG_DIRS",
	"SNAP", "SNAP_USER_DATA", "SNAP_USER_COMMON", "SNAP_REAL_HOME",
	"SNAP_NAME", "SNAP_INSTANCE_NAME", "SNAP_ARCH", "SNAP_VERSION",
	"SNAP_REVISION", "SNAP_COMMON", "SNAP_DATA", "SNAP_LIBRARY_PATH",
	"LANG", "LANGUAGE", "LC_ALL",
	"DBUS_SESSION_BUS_ADDRESS",
	"LIBGL_ALWAYS_SOFTWARE", "__GLX_VENDOR_LIBRARY_NAME", "VK_ICD_FILENAMES", "MESA_LOADER_DRIVER_OVERRIDE",
	"PULSE_SERVER", "PULSE_COOKIE", "ALSA_CONFIG_PATH",
	"GTK_MODULES", "GIO_EXTRA_MODULES", "GSETTINGS_SCHEMA_DIR", "GSETTINGS_BACKEND",
	"SSL_CERT_FILE", "SSL_CERT_DIR", "CURL_CA_BUNDLE", "REQUESTS_CA_BUNDLE",
	"DESKTOP_SESSION", "GNOME_DESKTOP_SESSION_ID",
}

// buildChildEnv returns the environment slice for a spawned child: the
// allow-listed inherited vars, plus custom overrides from req.Env applied
// last so they can override an inherited value.
func buildChildEnv(custom map[string]string) []string {
	env := make([]string, 0, len(inheritedEnvVars)+len(custom)+1)
	seen := make(map[string]bool, len(custom))
	for k, v := range custom {
		env = append(env, k+"="+v)
		seen[k] = true
	}
	for _, name := range inheritedEnvVars {
		if seen[name] {
			continue
		}
		if val, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+val)
		}
	}
	// Java AWT/Swing apps render incorrectly on non-reparenting window
	// managers without this.
	if !seen["_JAVA_AWT_WM_NONREPARENTING"] {
		env = append(env, "_JAVA_AWT_WM_NONREPARENTING=1")
	}
	return env
}
