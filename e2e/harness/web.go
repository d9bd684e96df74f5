package harness

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// WebTier stands in for the web application: it answers remote calls with
// the {r,t,d} envelope and serves export rows and headers.
type WebTier struct {
	server *httptest.Server

	mu    sync.Mutex
	posts []url.Values
	code  int
}

// NewWebTier starts the fake web tier.
func NewWebTier() *WebTier {
	w := &WebTier{}
	w.server = httptest.NewServer(http.HandlerFunc(w.handle))
	return w
}

// URL is the base URL of the server.
func (w *WebTier) URL() string { return w.server.URL }

// SetResultCode changes the r code returned to plain remote calls.
func (w *WebTier) SetResultCode(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.code = code
}

// Posts returns every form received so far.
func (w *WebTier) Posts() []url.Values {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]url.Values(nil), w.posts...)
}

// Close shuts the server down.
func (w *WebTier) Close() { w.server.Close() }

// ExportRow is the row the web tier renders for a record.
func ExportRow(recordID string) []string {
	return []string{recordID, "record " + recordID}
}

func (w *WebTier) handle(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.posts = append(w.posts, r.PostForm)
	code := w.code
	w.mu.Unlock()

	var data any = "ok"
	switch r.PostForm.Get("mode") {
	case "fields":
		code = 0
		data = []map[string]any{
			{"id": 1, "name": "Record", "typename": "Integer"},
			{"id": 2, "name": "Notes", "typename": "Markdown"},
			{"id": 3, "name": "Name", "typename": "Short Text"},
		}
	case "rows":
		code = 0
		var rows [][]string
		for _, id := range indexed(r.PostForm, "datarecord_id") {
			rows = append(rows, ExportRow(id))
		}
		data = rows
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{"r": code, "t": "json", "d": data})
}

// indexed returns the values of key[0], key[1], ... in index order.
func indexed(form url.Values, key string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := form[fmt.Sprintf("%s[%d]", key, i)]
		if !ok || len(v) == 0 {
			return out
		}
		out = append(out, strings.TrimSpace(v[0]))
	}
}

// FormID parses an integer form value, or returns -1.
func FormID(form url.Values, key string) int {
	n, err := strconv.Atoi(form.Get(key))
	if err != nil {
		return -1
	}
	return n
}
