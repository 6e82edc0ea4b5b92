package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakePool implementa Pool com workers fake em loopback, registrando
// cada get para as asserções.
type fakePool struct {
	gets            []spawnRecord
	err             error
	onGet           func()
	body            string
	raw             string
	releasedHealthy *bool
	servers         []*fakeWorkerServer
}

func (f *fakePool) Get(ctx context.Context, key string, opts SpawnOptions) (*Session, error) {
	if f.onGet != nil {
		f.onGet()
	}
	f.gets = append(f.gets, spawnRecord{key: key, opts: opts})
	if f.err != nil {
		return nil, f.err
	}

	body := f.body
	if body == "" {
		body = "hello world"
	}
	server, err := newFakeWorkerServer(body)
	if err != nil {
		return nil, err
	}
	server.raw = f.raw
	f.servers = append(f.servers, server)

	worker := &Worker{Pid: 5000 + len(f.servers), Endpoint: server.addr(), Key: key, opts: opts}
	conn, err := worker.dial(2 * time.Second)
	if err != nil {
		return nil, err
	}
	return newSession(worker, conn, func(healthy bool) {
		f.releasedHealthy = &healthy
	}), nil
}

func (f *fakePool) Clear()                 {}
func (f *fakePool) SetMax(int)             {}
func (f *fakePool) SetMaxPerApp(int)       {}
func (f *fakePool) SetMaxIdleSeconds(int)  {}
func (f *fakePool) GetActive() int         { return 0 }
func (f *fakePool) GetCount() int          { return 0 }
func (f *fakePool) GetSpawnServerPid() int { return 0 }
func (f *fakePool) Close() error {
	for _, s := range f.servers {
		s.close()
	}
	return nil
}

// newTestDispatcher monta uma app Rails fake e um dispatcher sobre ela
func newTestDispatcher(t *testing.T) (*Dispatcher, *fakePool, string) {
	t.Helper()
	public := makeAppDir(t, "config/environment.rb", "tmp/.keep")

	cfg := DefaultConfig()
	cfg.Apps.DocumentRoot = public
	cfg.Logging.Level = "error"

	pool := &fakePool{}
	t.Cleanup(func() { pool.Close() })

	return NewDispatcher(cfg, pool, NewLogger("error")), pool, public
}

func TestDispatcherForwardsApplicationRequest(t *testing.T) {
	dispatcher, pool, public := newTestDispatcher(t)

	req := httptest.NewRequest("GET", "/posts/new", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Status: expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("Body: expected hello world, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("Content-Type: expected text/plain, got %q", rec.Header().Get("Content-Type"))
	}

	if len(pool.gets) != 1 {
		t.Fatalf("Pool gets: expected 1, got %d", len(pool.gets))
	}
	wantKey, _ := canonicalizePath(public + "/..")
	if pool.gets[0].key != wantKey {
		t.Errorf("Key: expected %s, got %s", wantKey, pool.gets[0].key)
	}
	opts := pool.gets[0].opts
	if opts.AppType != "rails" || opts.Environment != "production" ||
		opts.SpawnMethod != "smart" || opts.FallbackUser != "nobody" {
		t.Errorf("Unexpected spawn options: %+v", opts)
	}

	if pool.releasedHealthy == nil || !*pool.releasedHealthy {
		t.Error("Session must be released healthy after a clean request")
	}
}

func TestDispatcherResponseStatusRelay(t *testing.T) {
	dispatcher, pool, _ := newTestDispatcher(t)
	pool.raw = "Status: 404 Not Found\r\nContent-Type: text/html\r\nX-Cascade: pass\r\n\r\nnot here"

	req := httptest.NewRequest("GET", "/posts", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Errorf("Status: expected 404 from the CGI Status header, got %d", rec.Code)
	}
	if rec.Header().Get("Status") != "" {
		t.Error("The CGI Status header must not leak to the client")
	}
	if rec.Header().Get("X-Cascade") != "pass" {
		t.Errorf("Response headers must be forwarded, X-Cascade: %q", rec.Header().Get("X-Cascade"))
	}
	if rec.Body.String() != "not here" {
		t.Errorf("Body: expected not here, got %q", rec.Body.String())
	}
}

func TestDispatcherStaticFileDecline(t *testing.T) {
	dispatcher, pool, public := newTestDispatcher(t)

	cssPath := filepath.Join(public, "styles.css")
	if err := os.WriteFile(cssPath, []byte("body { color: red }"), 0644); err != nil {
		t.Fatalf("Failed to write css: %v", err)
	}

	req := httptest.NewRequest("GET", "/styles.css", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Status: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "color: red") {
		t.Errorf("Static file not served, got %q", rec.Body.String())
	}
	if len(pool.gets) != 0 {
		t.Error("Static assets must not touch the pool")
	}
}

func TestDispatcherPageCache(t *testing.T) {
	dispatcher, pool, public := newTestDispatcher(t)

	htmlPath := filepath.Join(public, "about.html")
	if err := os.WriteFile(htmlPath, []byte("<h1>cached about</h1>"), 0644); err != nil {
		t.Fatalf("Failed to write html: %v", err)
	}

	// GET /about não existe, mas /about.html sim: cache de página
	req := httptest.NewRequest("GET", "/about", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Status: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cached about") {
		t.Errorf("Page cache not served, got %q", rec.Body.String())
	}
	if len(pool.gets) != 0 {
		t.Error("Page-cached requests must not touch the pool")
	}
}

func TestDispatcherNonGetBypassesPageCache(t *testing.T) {
	dispatcher, pool, public := newTestDispatcher(t)

	htmlPath := filepath.Join(public, "widgets.html")
	if err := os.WriteFile(htmlPath, []byte("<h1>cached</h1>"), 0644); err != nil {
		t.Fatalf("Failed to write html: %v", err)
	}

	// POST /widgets vai sempre para a aplicação (convenções REST)
	req := httptest.NewRequest("POST", "/widgets", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if len(pool.gets) != 1 {
		t.Errorf("Non-GET must reach the application, pool gets: %d", len(pool.gets))
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("Body: expected app response, got %q", rec.Body.String())
	}
}

func TestDispatcherBusyError(t *testing.T) {
	dispatcher, pool, _ := newTestDispatcher(t)
	pool.err = &BusyError{}

	req := httptest.NewRequest("GET", "/posts", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Errorf("Status: expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "too busy") {
		t.Errorf("Body should carry the busy message, got %q", rec.Body.String())
	}
}

func TestDispatcherSpawnErrorPage(t *testing.T) {
	dispatcher, pool, _ := newTestDispatcher(t)
	pool.err = &SpawnError{
		Message:      "bundle install failed",
		HasErrorPage: true,
		ErrorPage:    "<html>bundle install failed</html>",
	}

	req := httptest.NewRequest("GET", "/posts", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	// Página de erro sai com 200 para o corpo não ser substituído pelo
	// tratamento genérico de 500
	if rec.Code != 200 {
		t.Errorf("Status: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type: expected text/html, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "<html>bundle install failed</html>" {
		t.Errorf("Body: expected the error page verbatim, got %q", rec.Body.String())
	}
}

func TestDispatcherBareSpawnError(t *testing.T) {
	dispatcher, pool, _ := newTestDispatcher(t)
	pool.err = &SpawnError{Message: "spawn server exploded"}

	req := httptest.NewRequest("GET", "/posts", nil)
	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Errorf("Status: expected 500, got %d", rec.Code)
	}
}

// trackingReader marca quando o corpo foi consumido até o fim
type trackingReader struct {
	r   io.Reader
	eof bool
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		t.eof = true
	}
	return n, err
}

func TestDispatcherUploadAcceleration(t *testing.T) {
	// S6: corpo de 64 KiB (> 8 KiB) vai inteiro para disco antes do
	// pool ser tocado, e o arquivo temporário some na saída.
	tmpDir := t.TempDir()
	t.Setenv("TMP", tmpDir)

	dispatcher, pool, _ := newTestDispatcher(t)

	data := bytes.Repeat([]byte("x"), 65536)
	body := &trackingReader{r: bytes.NewReader(data)}
	req := httptest.NewRequest("POST", "/uploads", body)
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")

	pool.onGet = func() {
		if !body.eof {
			t.Error("Body must be fully buffered to disk before Pool.Get")
		}
		entries, err := os.ReadDir(tmpDir)
		if err != nil {
			t.Fatalf("Failed to list temp dir: %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("Expected 1 temp file during the request, found %d", len(entries))
		}
	}

	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Status: expected 200, got %d", rec.Code)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Temp file must be deleted by dispatcher exit, found %d", len(entries))
	}
}

func TestDispatcherSmallBodyStreamsDirectly(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("TMP", tmpDir)

	dispatcher, pool, _ := newTestDispatcher(t)

	data := []byte("tiny=1")
	req := httptest.NewRequest("POST", "/uploads", bytes.NewReader(data))
	req.ContentLength = int64(len(data))

	rec := httptest.NewRecorder()
	dispatcher.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Status: expected 200, got %d", rec.Code)
	}
	if len(pool.gets) != 1 {
		t.Fatalf("Pool gets: expected 1, got %d", len(pool.gets))
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Errorf("Small bodies must not be buffered to disk, found %d file(s)", len(entries))
	}
}

func TestDispatcherBuildHeaders(t *testing.T) {
	dispatcher, _, public := newTestDispatcher(t)

	req := httptest.NewRequest("GET", "/blog/posts?page=2", nil)
	req.Header.Set("X-Custom-Header", "abc")
	req.Header.Set("Accept-Language", "pt-BR")
	req.SetBasicAuth("aluno", "segredo")
	dispatcher.config.Apps.Env = map[string]string{"TZ": "UTC"}

	pairs := dispatcher.buildHeaders(req, "/blog")
	vars := map[string]string{}
	for _, p := range pairs {
		vars[p[0]] = p[1]
	}

	if vars["REQUEST_METHOD"] != "GET" {
		t.Errorf("REQUEST_METHOD: got %q", vars["REQUEST_METHOD"])
	}
	if vars["REQUEST_URI"] != "/blog/posts?page=2" {
		t.Errorf("REQUEST_URI deve ser a request line original: got %q", vars["REQUEST_URI"])
	}
	if vars["QUERY_STRING"] != "page=2" {
		t.Errorf("QUERY_STRING: got %q", vars["QUERY_STRING"])
	}
	if vars["SCRIPT_NAME"] != "/blog" {
		t.Errorf("SCRIPT_NAME: got %q", vars["SCRIPT_NAME"])
	}
	if vars["PATH_INFO"] != "/blog/posts" {
		t.Errorf("PATH_INFO: got %q", vars["PATH_INFO"])
	}
	if vars["DOCUMENT_ROOT"] != public {
		t.Errorf("DOCUMENT_ROOT: got %q", vars["DOCUMENT_ROOT"])
	}
	if vars["HTTP_X_CUSTOM_HEADER"] != "abc" {
		t.Errorf("HTTP_X_CUSTOM_HEADER: got %q", vars["HTTP_X_CUSTOM_HEADER"])
	}
	if vars["HTTP_ACCEPT_LANGUAGE"] != "pt-BR" {
		t.Errorf("HTTP_ACCEPT_LANGUAGE: got %q", vars["HTTP_ACCEPT_LANGUAGE"])
	}
	if vars["REMOTE_USER"] != "aluno" {
		t.Errorf("REMOTE_USER: got %q", vars["REMOTE_USER"])
	}
	if vars["TZ"] != "UTC" {
		t.Errorf("Subprocess env TZ: got %q", vars["TZ"])
	}
	if vars["SERVER_SOFTWARE"] != "Gwaihir/"+version {
		t.Errorf("SERVER_SOFTWARE: got %q", vars["SERVER_SOFTWARE"])
	}

	// Com base URI "/", SCRIPT_NAME não é enviado
	pairs = dispatcher.buildHeaders(req, "/")
	for _, p := range pairs {
		if p[0] == "SCRIPT_NAME" {
			t.Error("SCRIPT_NAME must be omitted when the base URI is /")
		}
	}
}

func TestDispatcherHeadersEndWithSentinel(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)

	req := httptest.NewRequest("GET", "/x", nil)
	blob := serializeHeaders(dispatcher.buildHeaders(req, "/"))
	if !bytes.HasSuffix(blob, []byte("_\x00_\x00")) {
		t.Error("Serialized headers must end with the _\\0_\\0 sentinel")
	}
}
