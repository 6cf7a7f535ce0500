package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// LokiHook ships every log entry to a Loki push endpoint in addition to
// whatever output the *logrus.Logger already writes to. Push failures
// are swallowed: logging must never fail the caller's actual work.
type LokiHook struct {
	endpoint     string
	http         *http.Client
	staticLabels map[string]string
}

// NewLokiHook builds a hook posting to endpoint + "/loki/api/v1/push".
// staticLabels are attached to every pushed stream (e.g. service name).
func NewLokiHook(endpoint string, staticLabels map[string]string) *LokiHook {
	return &LokiHook{
		endpoint:     endpoint,
		http:         &http.Client{Timeout: 5 * time.Second},
		staticLabels: staticLabels,
	}
}

func (h *LokiHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *LokiHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return nil
	}

	labels := map[string]string{"level": entry.Level.String()}
	for k, v := range h.staticLabels {
		labels[k] = v
	}
	labelStr := labelSetString(labels)

	stream := map[string]any{
		"stream": labelStr,
		"values": [][2]string{{strconv.FormatInt(entry.Time.UnixNano(), 10), line}},
	}
	body := map[string]any{"streams": []map[string]any{stream}}

	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	if err := json.NewEncoder(gz).Encode(body); err != nil {
		return nil
	}
	if err := gz.Close(); err != nil {
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, h.endpoint+"/loki/api/v1/push", buf)
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}

// labelSetString renders labels as Loki's "{k=\"v\",...}" stream selector.
func labelSetString(labels map[string]string) string {
	s := "{"
	first := true
	for k, v := range labels {
		if !first {
			s += ","
		}
		first = false
		s += fmt.Sprintf("%s=%q", k, v)
	}
	return s + "}"
}
