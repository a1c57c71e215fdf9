package i18n

// EnMessages English message catalog
var EnMessages = map[string]string{
	// Admission denials; argument order matches the governor's reasons.
	"deny.paused":          "Execution is paused",
	"deny.not_idle":        "Waiting for system idle (%d/%ds)",
	"deny.on_battery":      "Running on battery",
	"deny.low_battery":     "Battery too low (%.0f%%, minimum %.0f%%)",
	"deny.cpu_limit":       "CPU limit would be exceeded (%.1f%% > %.0f%%)",
	"deny.ram_limit":       "RAM limit would be exceeded (%.1f%% > %.0f%%)",
	"deny.gpu_unavailable": "GPU not available",
	"deny.gpu_limit":       "GPU limit would be exceeded (%.1f%% > %.0f%%)",
	"deny.wait":            "retry in %s",
	"allowed":              "Allowed",

	// Dashboard panels
	"panel.system":    "System",
	"panel.sync":      "Sync",
	"panel.tasks":     "Tasks",
	"panel.conflicts": "Conflicts",
	"panel.models":    "Models",
	"panel.events":    "Events",

	// Metrics
	"metrics.cpu":     "CPU",
	"metrics.ram":     "RAM",
	"metrics.gpu":     "GPU",
	"metrics.disk":    "Disk",
	"metrics.battery": "Battery",
	"metrics.ac":      "AC power",
	"metrics.no_gpu":  "none",
	"metrics.idle":    "Idle %ds",
	"metrics.active":  "Active",
	"metrics.stale":   "stale",
	"metrics.budget":  "budget %.0f%%",

	// Status line
	"status.ready":    "Ready",
	"status.paused":   "Paused",
	"status.offline":  "Offline",
	"status.reserved": "Reserved CPU %.0f%% RAM %.0f%% (%d tasks)",

	// Sync
	"sync.state.idle":         "idle",
	"sync.state.syncing":      "syncing",
	"sync.state.succeeded":    "succeeded",
	"sync.state.failed":       "failed",
	"sync.state.disconnected": "disconnected",
	"sync.last":               "Last sync: %s (%s)",
	"sync.never":              "Never synced",
	"sync.pending":            "Pending: %d up, %d down, %d conflicts",
	"sync.transferred":        "Transferred: %s up, %s down",
	"sync.started":            "Sync started",
	"sync.report":             "Sync %s: %d uploaded, %d downloaded, %d conflicts",

	// Tasks
	"task.counts":    "%d queued, %d running, %d failed",
	"task.queued":    "Queued task %s",
	"task.cancelled": "Task %s is now %s",
	"task.none":      "No tasks",

	// Conflicts
	"conflict.none":     "No conflicts",
	"conflict.resolved": "Conflict %s resolved (%s)",

	// Models
	"model.installed":   "installed",
	"model.missing":     "not installed",
	"model.downloading": "downloading %.0f%%",
	"model.downloaded":  "Model %s downloaded",

	// Settings
	"settings.updated": "Settings updated",
	"settings.reset":   "Settings reset to defaults",
	"settings.paused":  "Background work paused",
	"settings.resumed": "Background work resumed",

	// Keybindings (TUI)
	"keys.quit":    "q quit",
	"keys.pause":   "p pause/resume",
	"keys.sync":    "s sync now",
	"keys.tab":     "tab switch panel",
	"keys.refresh": "r refresh",

	// Shell
	"repl.welcome": "Local agent shell. Type /help for commands.",
	"repl.unknown": "Unknown command: %s",
	"repl.usage":   "Usage: %s",
	"repl.bye":     "Bye",

	// Errors
	"error.generic":    "Error: %s",
	"error.validation": "Invalid input: %s",
	"error.network":    "Remote unavailable: %s",
	"error.not_found":  "Not found: %s",
	"error.denied":     "Not admitted: %s",

	// Startup
	"startup.welcome": "Local agent started, data in %s",
	"startup.api":     "Command API listening on %s",
}
