package config

import (
	"reflect"
	"strings"

	"tzrecur/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log fields that are
// safe to print (the postgres DSN is never included), and the ids of
// recurrences that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.diag_rate_per_sec", newCfg.Logging.DiagRatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs, logx.Bool("runner.enabled", newCfg.Runner.Enabled))
	}

	recs := diffRecurrences(oldCfg.Recurrences, newCfg.Recurrences)
	if len(recs) > 0 {
		changed = append(changed, "recurrences")
		attrs = append(attrs,
			logx.Int("recurrences.count", len(newCfg.Recurrences)),
			logx.Int("recurrences.changed", len(recs)),
		)
	}
	return changed, attrs, recs
}

// diffRecurrences returns ids present in only one list or declared
// differently, in new-list order followed by removed ids.
func diffRecurrences(oldL, newL []RecurrenceConfig) []string {
	oldM := make(map[string]RecurrenceConfig, len(oldL))
	for _, r := range oldL {
		oldM[strings.TrimSpace(r.ID)] = r
	}
	var out []string
	seen := make(map[string]bool, len(newL))
	for _, r := range newL {
		id := strings.TrimSpace(r.ID)
		seen[id] = true
		prev, ok := oldM[id]
		if !ok || !reflect.DeepEqual(prev, r) {
			out = append(out, id)
		}
	}
	for _, r := range oldL {
		id := strings.TrimSpace(r.ID)
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
