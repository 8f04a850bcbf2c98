package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/google/uuid"

	"github.com/gorilla/mux"

	"github.com/gorilla/websocket"

	"github.com/nexusos/core/core"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Collaborative workspace engine.

Usage:
    server run [--config=<config>] [--listen=<listen>] [--db=<db>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Config file path.
    --listen=<listen>    Listen address, overrides config.
    --db=<db>            Update log database path, overrides config.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	configPath, _ := opts["--config"].(string)
	settings, err := core.LoadSettings(configPath)
	if err != nil {
		glog.Errorf("[server]config error = %s\n", err)
		os.Exit(1)
	}
	if listen, ok := opts["--listen"].(string); ok && listen != "" {
		settings.ListenAddr = listen
	}
	if db, ok := opts["--db"].(string); ok && db != "" {
		settings.Log.Path = db
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	updateLog, err := core.NewUpdateLog(cancelCtx, settings.Log)
	if err != nil {
		glog.Errorf("[server]update log open error = %s\n", err)
		os.Exit(1)
	}
	defer updateLog.Close()

	server := &coreServer{
		hub:      core.NewHub(cancelCtx, updateLog, settings.Hub),
		runner:   core.NewRunner(settings.Runner),
		auth:     core.NewTokenAuth(settings.JwtSecret),
		settings: settings,
		sessions: map[string]*sessionRecord{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/core/sessions", server.requireAuth(server.createSession)).Methods("POST")
	router.HandleFunc("/core/sessions", server.requireAuth(server.listSessions)).Methods("GET")
	router.HandleFunc("/core/run", server.requireAuth(server.runCode)).Methods("POST")
	router.HandleFunc("/ws/core/sessions/{session_id}", server.sessionChannel)

	httpServer := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: router,
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[server]listening on %s\n", settings.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("[server]listen error = %s\n", err)
		os.Exit(1)
	}
}

// sessionRecord is the persisted session list entry owned by the
// external CRUD layer. Kept in memory here as its stand-in.
type sessionRecord struct {
	Id        string    `json:"id"`
	ProjectId string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type coreServer struct {
	hub      *core.Hub
	runner   *core.Runner
	auth     *core.TokenAuth
	settings *core.Settings
	upgrader websocket.Upgrader

	mutex    sync.Mutex
	sessions map[string]*sessionRecord
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user string)

func (self *coreServer) requireAuth(handler authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, err := self.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		handler(w, r, user)
	}
}

func writeJson(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJson(w, status, map[string]string{"detail": detail})
}

func (self *coreServer) createSession(w http.ResponseWriter, r *http.Request, user string) {
	var request struct {
		ProjectId string `json:"project_id"`
		Name      string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Name == "" {
		writeError(w, http.StatusBadRequest, "project_id and name are required")
		return
	}

	record := &sessionRecord{
		Id:        uuid.NewString(),
		ProjectId: request.ProjectId,
		Name:      request.Name,
		CreatedAt: time.Now().UTC(),
	}
	self.mutex.Lock()
	self.sessions[record.Id] = record
	self.mutex.Unlock()

	glog.Infof("[server]session created %s by %s\n", record.Id, user)
	writeJson(w, http.StatusOK, record)
}

func (self *coreServer) listSessions(w http.ResponseWriter, r *http.Request, user string) {
	self.mutex.Lock()
	records := make([]*sessionRecord, 0, len(self.sessions))
	for _, record := range self.sessions {
		records = append(records, record)
	}
	self.mutex.Unlock()
	writeJson(w, http.StatusOK, records)
}

func (self *coreServer) sessionRecordById(sessionId string) *sessionRecord {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.sessions[sessionId]
}

func (self *coreServer) runCode(w http.ResponseWriter, r *http.Request, user string) {
	var request struct {
		SessionId      string            `json:"session_id"`
		EntryFile      string            `json:"entry_file"`
		Files          map[string]string `json:"files"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := self.runner.Run(r.Context(), &core.RunRequest{
		EntryFile: request.EntryFile,
		Files:     request.Files,
		Timeout:   time.Duration(request.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUnsupportedTarget):
			writeError(w, http.StatusBadRequest, "no runtime for entry file")
		case errors.Is(err, core.ErrRunCancelled):
			writeError(w, http.StatusBadRequest, "run cancelled")
		default:
			glog.Errorf("[server]run error = %s\n", err)
			writeError(w, http.StatusInternalServerError, "run failed")
		}
		return
	}

	writeJson(w, http.StatusOK, map[string]any{
		"ok":          result.Ok,
		"command":     result.Command,
		"exit_code":   result.ExitCode,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"duration_ms": result.Duration.Milliseconds(),
		"diagnostics": result.Diagnostics,
	})
}

func (self *coreServer) sessionChannel(w http.ResponseWriter, r *http.Request) {
	// authenticate before any session state is disclosed
	user, err := self.auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	sessionId := mux.Vars(r)["session_id"]
	if self.sessionRecordById(sessionId) == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[server]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	conn := core.NewConn(user, self.settings.Hub.SendBuffer)
	bootstrap, err := self.hub.Join(sessionId, conn)
	if err != nil {
		glog.Infof("[server]join error %s = %s\n", sessionId, err)
		return
	}
	defer self.hub.Leave(sessionId, conn)

	if err := ws.WriteMessage(websocket.TextMessage, core.EncodeMessage(bootstrap)); err != nil {
		return
	}

	// outbound pump
	go func() {
		for {
			select {
			case <-conn.Closed():
				ws.Close()
				return
			case message := <-conn.Receive():
				if err := ws.WriteMessage(websocket.TextMessage, core.EncodeMessage(message)); err != nil {
					conn.Close()
					ws.Close()
					return
				}
			}
		}
	}()

	// inbound loop. A disconnect is a normal lifecycle event; Leave
	// retires presence and follow state.
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := self.hub.Submit(sessionId, conn, raw); err != nil {
			return
		}
	}
}
