package main

import (
	"bufio"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"sort"
	"strconv"
	"strings"
)

// UploadAccelerationThreshold: corpos maiores que isso (em bytes) são
// gravados inteiros em um arquivo temporário antes de reservar um
// worker, para que um upload lento não segure uma vaga escassa.
const UploadAccelerationThreshold = 1024 * 8

const bodyBlockSize = 1024 * 32

// Dispatcher orquestra um request HTTP de ponta a ponta: classifica,
// decide o modo do corpo, adquire a session no pool, envia headers e
// corpo, retransmite a resposta CGI do worker e libera a session.
type Dispatcher struct {
	config   *Config
	pool     Pool
	logger   *Logger
	static   http.Handler
	software string
}

func NewDispatcher(config *Config, pool Pool, logger *Logger) *Dispatcher {
	return &Dispatcher{
		config:   config,
		pool:     pool,
		logger:   logger,
		static:   http.FileServer(http.Dir(config.Apps.DocumentRoot)),
		software: "Gwaihir/" + version,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mapper := NewDirectoryMapper(&d.config.Apps, r.URL.Path, d.config.Apps.DocumentRoot)

	baseURI, err := mapper.BaseURI()
	if err != nil {
		d.reportFileSystemError(w, err)
		return
	}
	if baseURI == "" {
		// Não é request de aplicação; o servidor entrega estático
		d.static.ServeHTTP(w, r)
		return
	}

	publicDir, err := mapper.PublicDirectory()
	if err != nil {
		d.reportFileSystemError(w, err)
		return
	}
	if publicDir == "" {
		d.reportError(w, http.StatusInternalServerError,
			"Cannot determine the document root for the current request.")
		return
	}

	// Atalho estático, só para GET: arquivo existente é servido direto,
	// e uma versão .html / index.html em cache de página também.
	if r.Method == http.MethodGet {
		served, err := d.tryStatic(w, r, baseURI, publicDir)
		if err != nil {
			d.reportFileSystemError(w, err)
			return
		}
		if served {
			return
		}
	}

	// Corpos grandes vão para disco antes de pedir um worker
	var upload *TempFile
	expectingBody := r.ContentLength != 0
	if r.ContentLength > UploadAccelerationThreshold {
		upload, err = d.receiveRequestBody(r)
		if err != nil {
			d.logger.Error("failed to buffer upload: %v", err)
			d.reportError(w, http.StatusInternalServerError,
				"An error occurred while receiving HTTP upload data.")
			return
		}
		defer upload.Close()
	}

	appType, _ := mapper.ApplicationType()
	appRoot, err := canonicalizePath(publicDir + "/..")
	if err != nil {
		d.reportFileSystemError(w, &FileSystemError{Path: publicDir + "/..", Err: err})
		return
	}

	opts := SpawnOptions{
		AppType:        appType.String(),
		Environment:    d.config.Apps.Environment,
		SpawnMethod:    d.config.Apps.SpawnMethod,
		LowerPrivilege: d.config.Apps.LowerPrivilege,
		FallbackUser:   d.config.Apps.FallbackUser,
	}

	session, err := d.pool.Get(r.Context(), appRoot, opts)
	if err != nil {
		d.reportPoolError(w, err)
		return
	}
	defer session.Close()

	session.SetReaderTimeout(d.config.Server.RequestTimeout)
	session.SetWriterTimeout(d.config.Server.RequestTimeout)
	d.logger.Debug("forwarding %s to PID %d", r.URL.Path, session.Pid())

	blob := serializeHeaders(d.buildHeaders(r, baseURI))
	if err := session.SendHeaders(blob); err != nil {
		d.logger.Error("failed to send request headers to worker: %v", err)
		d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if expectingBody {
		if upload != nil {
			err = d.sendBufferedBody(session, upload)
		} else {
			err = d.sendStreamedBody(session, r.Body)
		}
		if err != nil {
			d.logger.Error("failed to send request body to worker: %v", err)
			d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
	}
	if err := session.ShutdownWriter(); err != nil {
		d.logger.Error("failed to shut down session writer: %v", err)
		d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	d.relayResponse(w, session)
}

// tryStatic implementa o atalho de página: o arquivo em si, <path>.html
// ou <path>index.html. Retorna true se o request foi respondido.
func (d *Dispatcher) tryStatic(w http.ResponseWriter, r *http.Request, baseURI, publicDir string) (bool, error) {
	rel := r.URL.Path
	if baseURI != "/" {
		rel = strings.TrimPrefix(rel, baseURI)
	}
	fsPath := publicDir + rel

	// Só arquivos regulares contam: um diretório existente (a raiz da
	// aplicação, por exemplo) continua indo para a aplicação.
	exists, err := regularFileExists(fsPath)
	if err != nil {
		return false, err
	}
	if exists {
		http.ServeFile(w, r, fsPath)
		return true, nil
	}

	htmlPath := fsPath + ".html"
	if strings.HasSuffix(fsPath, "/") {
		htmlPath = fsPath + "index.html"
	}
	exists, err = regularFileExists(htmlPath)
	if err != nil {
		return false, err
	}
	if exists {
		http.ServeFile(w, r, htmlPath)
		return true, nil
	}
	return false, nil
}

// receiveRequestBody grava o corpo inteiro em uma TempFile e valida o
// tamanho contra o Content-Length anunciado.
func (d *Dispatcher) receiveRequestBody(r *http.Request) (*TempFile, error) {
	tempFile, err := NewTempFile()
	if err != nil {
		return nil, err
	}

	written, err := io.Copy(tempFile.File, r.Body)
	if err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("erro ao gravar upload em arquivo temporário: %w", err)
	}
	if written != r.ContentLength {
		tempFile.Close()
		return nil, fmt.Errorf("the HTTP client sent incomplete upload data (%d of %d bytes)",
			written, r.ContentLength)
	}
	if _, err := tempFile.File.Seek(0, io.SeekStart); err != nil {
		tempFile.Close()
		return nil, err
	}
	return tempFile, nil
}

func (d *Dispatcher) sendBufferedBody(session *Session, upload *TempFile) error {
	buf := make([]byte, bodyBlockSize)
	for {
		n, err := upload.File.Read(buf)
		if n > 0 {
			if sendErr := session.SendBodyBlock(buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *Dispatcher) sendStreamedBody(session *Session, body io.Reader) error {
	buf := make([]byte, bodyBlockSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if sendErr := session.SendBodyBlock(buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// relayResponse lê o bloco status/headers estilo CGI do worker e
// repassa o resto do stream para o cliente.
func (d *Dispatcher) relayResponse(w http.ResponseWriter, session *Session) {
	reader := bufio.NewReader(session)
	mimeHeader, err := textproto.NewReader(reader).ReadMIMEHeader()
	if err != nil {
		d.logger.Error("failed to parse response headers from worker PID %d: %v", session.Pid(), err)
		d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	status := http.StatusOK
	if line := mimeHeader.Get("Status"); line != "" {
		if code, err := strconv.Atoi(strings.Fields(line)[0]); err == nil {
			status = code
		}
		mimeHeader.Del("Status")
	}
	for name, values := range mimeHeader {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, reader); err != nil {
		// Resposta já em andamento; só registra
		d.logger.Debug("response relay interrupted: %v", err)
	}
}

// buildHeaders monta o conjunto de variáveis CGI, os request headers
// renomeados com HTTP_, e o ambiente extra configurado.
func (d *Dispatcher) buildHeaders(r *http.Request, baseURI string) [][2]string {
	var pairs [][2]string
	add := func(name, value string) {
		pairs = append(pairs, [2]string{name, value})
	}

	serverAddr, serverPort := d.localAddr(r)
	remoteAddr, remotePort := splitHostPort(r.RemoteAddr)

	add("SERVER_SOFTWARE", d.software)
	add("SERVER_PROTOCOL", r.Proto)
	add("SERVER_NAME", hostOnly(r.Host))
	add("SERVER_ADMIN", d.config.Server.Admin)
	add("SERVER_ADDR", serverAddr)
	add("SERVER_PORT", serverPort)
	add("REMOTE_ADDR", remoteAddr)
	add("REMOTE_PORT", remotePort)
	if user, _, ok := r.BasicAuth(); ok {
		add("REMOTE_USER", user)
	}
	add("REQUEST_METHOD", r.Method)
	// A request line original, não a URI possivelmente reescrita
	add("REQUEST_URI", r.RequestURI)
	add("QUERY_STRING", r.URL.RawQuery)
	if baseURI != "/" {
		add("SCRIPT_NAME", baseURI)
	}
	if r.TLS != nil {
		add("HTTPS", "on")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		add("CONTENT_TYPE", ct)
	}
	add("DOCUMENT_ROOT", d.config.Apps.DocumentRoot)
	add("PATH_INFO", r.URL.Path)

	for name, values := range r.Header {
		env := httpToEnv(name)
		for _, value := range values {
			add(env, value)
		}
	}

	envNames := make([]string, 0, len(d.config.Apps.Env))
	for name := range d.config.Apps.Env {
		envNames = append(envNames, name)
	}
	sort.Strings(envNames)
	for _, name := range envNames {
		add(name, d.config.Apps.Env[name])
	}

	return pairs
}

// httpToEnv converte um nome de header HTTP para o nome CGI
func httpToEnv(name string) string {
	return "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (d *Dispatcher) localAddr(r *http.Request) (string, string) {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		return splitHostPort(addr.String())
	}
	return d.config.Server.Host, strconv.Itoa(d.config.Server.Port)
}

func splitHostPort(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// reportPoolError traduz a taxonomia de erros do pool para respostas
func (d *Dispatcher) reportPoolError(w http.ResponseWriter, err error) {
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		if spawnErr.HasErrorPage {
			// A página de erro do spawn server é a resposta, com 200:
			// um 500 faria o tratamento genérico do host engolir o corpo
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, spawnErr.ErrorPage)
			return
		}
		d.logger.Error("%v", spawnErr)
		d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	var busyErr *BusyError
	if errors.As(err, &busyErr) {
		d.reportError(w, http.StatusServiceUnavailable,
			"This website is too busy right now.  Please try again later.")
		return
	}

	d.logger.Error("failed to obtain a session: %v", err)
	d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
}

func (d *Dispatcher) reportFileSystemError(w http.ResponseWriter, err error) {
	var fsErr *FileSystemError
	if !errors.As(err, &fsErr) {
		d.reportError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "<h1>Gwaihir error</h1>\nAn error occurred while trying to access '%s': %s",
		html.EscapeString(fsErr.Path), html.EscapeString(fsErr.Err.Error()))
	if errors.Is(fsErr.Err, os.ErrPermission) {
		io.WriteString(w, "<p>The web server doesn't have read permissions to that file. "+
			"Please fix the relevant file permissions.</p>")
	}
}

func (d *Dispatcher) reportError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
