package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jdziat/scanflow/pkg/core"
)

// Source is the read side of a scheduler.
type Source interface {
	Counts() map[core.State]int
	PermanentFailures() []core.FailureReport
}

// Report is the body of GET /status.
type Report struct {
	Instances         map[core.State]int  `json:"instances"`
	Steps             map[string]Counters `json:"steps,omitempty"`
	DroppedResults    int64               `json:"dropped_results"`
	PermanentFailures []Failure           `json:"permanent_failures"`
}

// Failure is the JSON form of core.FailureReport.
type Failure struct {
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	JobID       string         `json:"job_id"`
	Range       core.WorkRange `json:"range"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type handlerConfig struct {
	collector  *Collector
	stats      StatsStorage
	middleware func(http.Handler) http.Handler
}

// HandlerOption configures Handler.
type HandlerOption func(*handlerConfig)

// WithCollector adds the collector's step totals to /status.
func WithCollector(c *Collector) HandlerOption {
	return func(h *handlerConfig) { h.collector = c }
}

// WithHistory serves /status/history from s.
func WithHistory(s StatsStorage) HandlerOption {
	return func(h *handlerConfig) { h.stats = s }
}

// WithMiddleware wraps the handler, for example with authentication.
func WithMiddleware(mw func(http.Handler) http.Handler) HandlerOption {
	return func(h *handlerConfig) { h.middleware = mw }
}

// Handler serves the scheduler status as JSON:
//
//	GET /status                              instance counts and permanent failures
//	GET /status/history?step=&since=&until=  minute buckets, times in RFC 3339
func Handler(src Source, opts ...HandlerOption) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		report := Report{
			Instances:         src.Counts(),
			PermanentFailures: []Failure{},
		}
		for _, f := range src.PermanentFailures() {
			report.PermanentFailures = append(report.PermanentFailures, Failure(f))
		}
		if cfg.collector != nil {
			report.Steps, report.DroppedResults = cfg.collector.Totals()
		}
		writeJSON(w, http.StatusOK, report)
	})
	mux.HandleFunc("GET /status/history", func(w http.ResponseWriter, r *http.Request) {
		if cfg.stats == nil {
			writeError(w, http.StatusNotFound, "history is not recorded")
			return
		}
		q := r.URL.Query()
		since, err := parseTime(q.Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "since: "+err.Error())
			return
		}
		until, err := parseTime(q.Get("until"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "until: "+err.Error())
			return
		}
		stats, err := cfg.stats.History(r.Context(), q.Get("step"), since, until)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if stats == nil {
			stats = []StepStat{}
		}
		writeJSON(w, http.StatusOK, stats)
	})

	if cfg.middleware != nil {
		return cfg.middleware(mux)
	}
	return mux
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
