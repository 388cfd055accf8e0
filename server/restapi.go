package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"github.com/urfave/negroni"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/env"
)

const (
	_topics = "topics"
)

type apiHandler func(principal string, params map[string]interface{}) (map[string]interface{}, error)

type restAPI struct {
	service *service
	auth    Authorizer
	methods map[string]apiHandler
	router  *mux.Router
	started time.Time
}

func startRESTAPI(bindAddr string, service *service, auth Authorizer) {

	a := restAPI{
		service: service,
		auth:    auth,
		started: time.Now(),
	}

	a.setupMethods()
	a.setupRouter()

	chain := alice.New(
		recoveryMiddleware,
		loggingMiddleware,
		cors.AllowAll().Handler,
	)

	log.Println("RESTAPI: Binding to", bindAddr)
	err := http.ListenAndServe(bindAddr, chain.Then(a.router))
	if err != nil {
		log.Fatal(err)
	}
}

func (a *restAPI) setupMethods() {
	s := a.service
	a.methods = map[string]apiHandler{
		// targets
		"CreateTarget":   s.createTarget,
		"GetTarget":      s.getTarget,
		"RenameTarget":   s.renameTarget,
		"SetTargetFacts": s.setTargetFacts,
		"ListTargets":    s.listTargets,
		"MigrateTarget":  s.migrateTarget,
		// sessions
		"CreateSession":       s.createSession,
		"GetSession":          s.getSession,
		"SessionCheckIn":      s.sessionCheckIn,
		"UpdateSessionConfig": s.updateSessionConfig,
		"ListSessions":        s.listSessions,
		// actions
		"CreateAction": s.createAction,
		"GetAction":    s.getAction,
		"CancelAction": s.cancelAction,
		"ListActions":  s.listActions,
		// group actions
		"CreateGroupAction": s.createGroupAction,
		"GetGroupAction":    s.getGroupAction,
		"CancelGroupAction": s.cancelGroupAction,
		"ListGroupActions":  s.listGroupActions,
		// groups
		"CreateGroup":            s.createGroup,
		"GetGroup":               s.getGroup,
		"AddGroupMember":         s.addGroupMember,
		"RemoveGroupMember":      s.removeGroupMember,
		"BlacklistGroupMember":   s.blacklistGroupMember,
		"UnblacklistGroupMember": s.unblacklistGroupMember,
		"AddGroupRule":           s.addGroupRule,
		"RemoveGroupRule":        s.removeGroupRule,
		"RebuildGroupMembers":    s.rebuildGroupMembers,
		"DeleteGroup":            s.deleteGroup,
		"ListGroups":             s.listGroups,
		// logs
		"CreateLog": s.createLog,
		"ListLogs":  s.listLogs,
	}
}

func (a *restAPI) setupRouter() {
	r := mux.NewRouter()

	r.HandleFunc("/api", a.invoke).Methods(http.MethodPost)
	r.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", a.getHealth).Methods(http.MethodGet)

	// websocket
	r.PathPrefix("/events").HandlerFunc(a.websocket)

	a.router = r
}

// invoke is the single rpc-style endpoint: the request body names a method
// and carries its parameters, the response is the result wrapped in the
// status/error envelope.
func (a *restAPI) invoke(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeError(w, model.ValidationError("error reading body: %s", err))
		return
	}

	params := make(map[string]interface{})
	if err := json.Unmarshal(body, &params); err != nil {
		writeError(w, model.ValidationError("error parsing body: %s", err))
		return
	}
	method, _ := params["method"].(string)
	if method == "" {
		writeError(w, model.ValidationError("method parameter is required"))
		return
	}

	principal := a.auth.CurrentContext(r)
	if !a.auth.IsPermitted(principal, method) {
		writeError(w, model.PermissionDeniedError(method))
		return
	}

	handler, found := a.methods[method]
	if !found {
		writeError(w, model.ValidationError("unknown method: %s", method))
		return
	}

	result, err := handler(principal, params)
	if err != nil {
		apiErr := model.AsAPIError(err)
		if apiErr.Type == model.ErrTypeInternal {
			log.Printf("CRITICAL: %s: %s", method, err)
			if env.Debug {
				apiErr.Description = err.Error()
			}
		}
		writeError(w, apiErr)
		return
	}

	envelope := map[string]interface{}{
		"status": http.StatusOK,
		"error":  false,
	}
	for key, value := range result {
		envelope[key] = value
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (a *restAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := a.service.statusCounts()
	if err != nil {
		writeError(w, model.AsAPIError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": http.StatusOK,
		"error":  false,
		"uptime": time.Since(a.started).String(),
		"counts": counts,
	})
}

func (a *restAPI) getHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK!"))
}

func (a *restAPI) websocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // allow all origins
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("websocket: upgrade error:", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer c.Close()

	topics := []string{
		EventTargetCreated, EventTargetRenamed,
		EventSessionCreated, EventSessionCheckIn,
		EventActionQueued, EventActionComplete, EventActionCancelled,
		EventGroupActionQueued,
	}
	if topicsQuery := r.URL.Query().Get(_topics); topicsQuery != "" {
		topics = strings.Split(topicsQuery, ",")
	}

	events := a.service.events.Sub(topics...)
	defer a.service.events.Unsub(events) // publisher should only use the TryPub method to avoid panics

	for raw := range events {
		b, _ := json.Marshal(raw)
		err = c.WriteMessage(websocket.TextMessage, b)
		if err != nil {
			log.Println("websocket: write error:", err)
			break
		}
	}
}

// writeError writes the error envelope of a domain error.
func writeError(w http.ResponseWriter, apiErr *model.APIError) {
	log.Println("Request error:", apiErr)
	writeJSON(w, apiErr.Status, map[string]interface{}{
		"status":      apiErr.Status,
		"error":       true,
		"error_type":  apiErr.Type,
		"description": apiErr.Description,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("writeJSON: error marshalling response: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, err = w.Write(body)
	if err != nil {
		log.Printf("writeJSON: error writing response: %s", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		nw := negroni.NewResponseWriter(w)
		next.ServeHTTP(nw, r)
		log.Printf("\"%s %s %s\" %d %d %v\n", r.Method, r.URL.String(), r.Proto, nw.Status(), nw.Size(), time.Since(start))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("PANIC: %v\n%s", r, debug.Stack())
				writeError(w, &model.APIError{
					Status:      http.StatusInternalServerError,
					Type:        model.ErrTypeInternal,
					Description: "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

//
// parameter extraction helpers
//

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", model.ValidationError("%s parameter is required", key)
	}
	return value, nil
}

func optStringParam(params map[string]interface{}, key string) (string, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", model.ValidationError("%s parameter must be a string", key)
	}
	return value, nil
}

func optBoolParam(params map[string]interface{}, key string, fallback bool) (bool, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return fallback, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, model.ValidationError("%s parameter must be a boolean", key)
	}
	return value, nil
}

func optFloatParam(params map[string]interface{}, key string) (*float64, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return nil, nil
	}
	value, ok := raw.(float64) // json numbers decode as float64
	if !ok {
		return nil, model.ValidationError("%s parameter must be a number", key)
	}
	return &value, nil
}

func optIntParam(params map[string]interface{}, key string, fallback int) (int, error) {
	value, err := optFloatParam(params, key)
	if err != nil {
		return 0, err
	}
	if value == nil {
		return fallback, nil
	}
	if *value != float64(int(*value)) {
		return 0, model.ValidationError("%s parameter must be an integer", key)
	}
	return int(*value), nil
}

func mapParam(params map[string]interface{}, key string) (map[string]interface{}, error) {
	value, err := optMapParam(params, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, model.ValidationError("%s parameter is required", key)
	}
	return value, nil
}

func optMapParam(params map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return nil, nil
	}
	value, ok := raw.(map[string]interface{})
	if !ok {
		return nil, model.ValidationError("%s parameter must be an object", key)
	}
	return value, nil
}

func optListParam(params map[string]interface{}, key string) ([]interface{}, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return nil, nil
	}
	value, ok := raw.([]interface{})
	if !ok {
		return nil, model.ValidationError("%s parameter must be a list", key)
	}
	return value, nil
}

func optStringListParam(params map[string]interface{}, key string) ([]string, error) {
	list, err := optListParam(params, key)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		value, ok := item.(string)
		if !ok {
			return nil, model.ValidationError("%s parameter must be a list of strings", key)
		}
		out = append(out, value)
	}
	return out, nil
}
