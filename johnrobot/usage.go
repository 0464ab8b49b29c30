package johnrobot

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// dataKeyUsage is the state file key holding the daily usage counter.
	dataKeyUsage = "usage"

	// dataKeyPersonalities is the state file key holding the personality
	// system prompts. The tracker preserves it (and any other keys) when
	// rewriting the file, restoring it from the startup mapping only if
	// an external edit removed it.
	dataKeyPersonalities = "system_prompts"
)

// usageState is the value of the "usage" key in the state file.
type usageState struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// UsageTracker counts Gemini API calls per calendar day, persisting the
// count to the JSON state file so it survives restarts. The counter
// resets on the first increment (or load) of each new local calendar day.
//
// The state file is shared with the personality registry, so writes
// re-read the file and replace only the usage key, leaving every other
// key intact. If the file has lost its personality mapping, the mapping
// loaded at startup is written back alongside the counter.
type UsageTracker struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	// fallbackPrompts is the personality mapping loaded at startup,
	// written under the system_prompts key when a save finds the file
	// no longer has one
	fallbackPrompts map[string]string

	// date is the local calendar day the count applies to, in
	// time.DateOnly format
	date  string
	count int

	now func() time.Time
}

// NewUsageTracker loads (or creates) the state file at path and returns
// a tracker ready for use. prompts is the personality mapping loaded at
// startup, restored to the file if a later write finds it missing.
// Corrupt or missing state is never fatal: the tracker logs the
// problem, starts the day at zero and rewrites the file.
func NewUsageTracker(
	path string,
	prompts map[string]string,
	logger *slog.Logger,
) *UsageTracker {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UsageTracker{
		path:            path,
		fallbackPrompts: prompts,
		logger:          logger.With(loggerNameKey, "usage_tracker"),
		now:             time.Now,
	}
	u.load()
	return u
}

// GetAndIncrement rolls the counter over if the local calendar day has
// changed since the last call, increments it, persists the new state,
// and returns the incremented value. Safe for concurrent use.
func (u *UsageTracker) GetAndIncrement() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	today := u.today()
	if u.date != today {
		u.logger.Info(
			"new day, resetting usage count",
			"previous_date", u.date,
			"date", today,
		)
		u.date = today
		u.count = 0
	}
	u.count++
	u.save()
	return u.count
}

// Peek returns the count of API calls made today, without incrementing.
// If the stored date is in the past the day has rolled over but nothing
// has been counted yet, so it reports zero without mutating state.
func (u *UsageTracker) Peek() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	// ISO dates compare lexicographically
	if u.date < u.today() {
		return 0
	}
	return u.count
}

func (u *UsageTracker) today() string {
	return u.now().Format(time.DateOnly)
}

// load initializes the counter from the state file, keeping the stored
// count only when its date is the current day. Any unreadable state
// resets the counter. Always rewrites the file, so a fresh or corrupt
// file is normalized on startup.
func (u *UsageTracker) load() {
	u.date = u.today()
	u.count = 0

	data, err := os.ReadFile(u.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			u.logger.Warn(
				"error reading state file",
				tint.Err(err),
				"path", u.path,
			)
		}
		u.save()
		return
	}

	var raw map[string]json.RawMessage
	if err = json.Unmarshal(data, &raw); err != nil {
		u.logger.Warn(
			"state file corrupt, resetting usage count",
			tint.Err(err),
			"path", u.path,
		)
		u.save()
		return
	}

	var state usageState
	if rawUsage, ok := raw[dataKeyUsage]; ok {
		if err = json.Unmarshal(rawUsage, &state); err != nil {
			u.logger.Warn(
				"usage state corrupt, resetting usage count",
				tint.Err(err),
				"path", u.path,
			)
			u.save()
			return
		}
	}

	stored := state.Date
	if _, parseErr := time.ParseInLocation(
		time.DateOnly,
		stored,
		time.Local,
	); parseErr != nil {
		// treat unparseable dates as long past, forcing a reset
		stored = "1970-01-01"
	}
	if stored == u.date {
		u.count = state.Count
		return
	}
	u.logger.Info(
		"stored usage is from a previous day, resetting",
		"stored_date", stored,
		"count", state.Count,
	)
	u.save()
}

// save writes the current counter state to the state file. The file is
// re-read first so only the usage key is replaced. Callers must hold
// u.mu (or be the constructor, before the tracker is shared).
func (u *UsageTracker) save() {
	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(u.path); err == nil {
		if err = json.Unmarshal(data, &raw); err != nil {
			u.logger.Warn(
				"existing state file is not valid JSON, rewriting",
				tint.Err(err),
				"path", u.path,
			)
			raw = map[string]json.RawMessage{}
		}
	}

	usage, err := json.Marshal(usageState{Date: u.date, Count: u.count})
	if err != nil {
		u.logger.Error("error marshaling usage state", tint.Err(err))
		return
	}
	raw[dataKeyUsage] = usage

	if _, ok := raw[dataKeyPersonalities]; !ok && u.fallbackPrompts != nil {
		prompts, promptsErr := json.Marshal(u.fallbackPrompts)
		if promptsErr != nil {
			u.logger.Error(
				"error marshaling personalities",
				tint.Err(promptsErr),
			)
		} else {
			raw[dataKeyPersonalities] = prompts
		}
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		u.logger.Error("error marshaling state file", tint.Err(err))
		return
	}
	if err = os.WriteFile(u.path, out, 0644); err != nil {
		u.logger.Error(
			"error writing state file",
			tint.Err(err),
			"path", u.path,
		)
	}
}
