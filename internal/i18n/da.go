package i18n

// DaMessages Danish message catalog
var DaMessages = map[string]string{
	"deny.paused":          "Udførelse er sat på pause",
	"deny.not_idle":        "Venter på at systemet er inaktivt (%d/%ds)",
	"deny.on_battery":      "Kører på batteri",
	"deny.low_battery":     "Batteriniveauet er for lavt (%.0f%%, minimum %.0f%%)",
	"deny.cpu_limit":       "CPU-grænsen ville blive overskredet (%.1f%% > %.0f%%)",
	"deny.ram_limit":       "RAM-grænsen ville blive overskredet (%.1f%% > %.0f%%)",
	"deny.gpu_unavailable": "Ingen GPU tilgængelig",
	"deny.gpu_limit":       "GPU-grænsen ville blive overskredet (%.1f%% > %.0f%%)",
	"deny.wait":            "prøv igen om %s",
	"allowed":              "Tilladt",

	"panel.system":    "System",
	"panel.sync":      "Synkronisering",
	"panel.tasks":     "Opgaver",
	"panel.conflicts": "Konflikter",
	"panel.models":    "Modeller",
	"panel.events":    "Hændelser",

	"metrics.cpu":     "CPU",
	"metrics.ram":     "RAM",
	"metrics.gpu":     "GPU",
	"metrics.disk":    "Disk",
	"metrics.battery": "Batteri",
	"metrics.ac":      "Strømforsyning",
	"metrics.no_gpu":  "ingen",
	"metrics.idle":    "Inaktiv %ds",
	"metrics.active":  "Aktiv",
	"metrics.stale":   "forældet",
	"metrics.budget":  "budget %.0f%%",

	"status.ready":    "Klar",
	"status.paused":   "På pause",
	"status.offline":  "Offline",
	"status.reserved": "Reserveret CPU %.0f%% RAM %.0f%% (%d opgaver)",

	"sync.state.idle":         "inaktiv",
	"sync.state.syncing":      "synkroniserer",
	"sync.state.succeeded":    "gennemført",
	"sync.state.failed":       "fejlet",
	"sync.state.disconnected": "afbrudt",
	"sync.last":               "Seneste synkronisering: %s (%s)",
	"sync.never":              "Aldrig synkroniseret",
	"sync.pending":            "Afventer: %d op, %d ned, %d konflikter",
	"sync.transferred":        "Overført: %s op, %s ned",
	"sync.started":            "Synkronisering startet",
	"sync.report":             "Synkronisering %s: %d sendt, %d hentet, %d konflikter",

	"task.counts":    "%d i kø, %d kører, %d fejlet",
	"task.queued":    "Opgave %s sat i kø",
	"task.cancelled": "Opgave %s er nu %s",
	"task.none":      "Ingen opgaver",

	"conflict.none":     "Ingen konflikter",
	"conflict.resolved": "Konflikt %s løst (%s)",

	"model.installed":   "installeret",
	"model.missing":     "ikke installeret",
	"model.downloading": "henter %.0f%%",
	"model.downloaded":  "Model %s hentet",

	"settings.updated": "Indstillinger opdateret",
	"settings.reset":   "Indstillinger nulstillet",
	"settings.paused":  "Baggrundsarbejde sat på pause",
	"settings.resumed": "Baggrundsarbejde genoptaget",

	"keys.quit":    "q afslut",
	"keys.pause":   "p pause/fortsæt",
	"keys.sync":    "s synkronisér nu",
	"keys.tab":     "tab skift panel",
	"keys.refresh": "r opdatér",

	"repl.welcome": "Lokal agent-skal. Skriv /help for kommandoer.",
	"repl.unknown": "Ukendt kommando: %s",
	"repl.usage":   "Brug: %s",
	"repl.bye":     "Farvel",

	"error.generic":    "Fejl: %s",
	"error.validation": "Ugyldigt input: %s",
	"error.network":    "Fjernserver utilgængelig: %s",
	"error.not_found":  "Ikke fundet: %s",
	"error.denied":     "Ikke tilladt: %s",

	"startup.welcome": "Lokal agent startet, data i %s",
	"startup.api":     "Kommando-API lytter på %s",
}
